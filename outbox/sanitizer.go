package outbox

import (
	"regexp"
	"strings"
)

// Error messages persisted in the last_error column are bounded and have
// connection credentials redacted.
const maxErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

var urlCredentialsPattern = regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.-]*://)[^@\s/]+@`)

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessageForStorage(err.Error())
}

// SanitizeErrorMessageForStorage redacts embedded credentials and enforces a
// bounded length.
func SanitizeErrorMessageForStorage(msg string) string {
	redacted := urlCredentialsPattern.ReplaceAllString(strings.TrimSpace(msg), "${1}***@")

	return truncateError(redacted, maxErrorLength, errorTruncatedSuffix)
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}

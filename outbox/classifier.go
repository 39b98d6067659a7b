package outbox

import (
	"errors"

	"github.com/meridianbank/lib-eventrelay/events"
)

// ConnectivityClassifier decides whether a publish failure means the broker
// is unreachable. The dispatcher halts the rest of the batch on such
// failures instead of burning attempts against a dead broker.
type ConnectivityClassifier interface {
	IsConnectivityError(err error) bool
}

// ConnectivityClassifierFunc adapts a function to ConnectivityClassifier.
type ConnectivityClassifierFunc func(err error) bool

func (fn ConnectivityClassifierFunc) IsConnectivityError(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// FormatClassifier decides whether a publish failure was caused by a
// malformed or unserializable payload. Format failures count toward the
// permanent BLOCKED threshold.
type FormatClassifier interface {
	IsFormatError(err error) bool
}

// FormatClassifierFunc adapts a function to FormatClassifier.
type FormatClassifierFunc func(err error) bool

func (fn FormatClassifierFunc) IsFormatError(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultFormatClassifier matches envelope decode/validation failures.
func DefaultFormatClassifier() FormatClassifier {
	return FormatClassifierFunc(func(err error) bool {
		return errors.Is(err, events.ErrEnvelopeMalformed) ||
			errors.Is(err, events.ErrPayloadNotJSON) ||
			errors.Is(err, ErrPayloadNotJSON)
	})
}

// Package rabbitmq publishes event envelopes to RabbitMQ and declares the
// broker topology the delivery pipeline relies on.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConnectionStringRequired = errors.New("rabbitmq connection string is required")
	ErrChannelRequired          = errors.New("rabbitmq channel is required")
	ErrExchangeRequired         = errors.New("exchange name is required")
	ErrQueueRequired            = errors.New("queue name is required")
)

const defaultDialTimeout = 10 * time.Second

// BuildConnectionString constructs an AMQP connection string. An empty vhost
// means the default vhost "/". Special characters in user, password, and
// vhost are URL-encoded; bare IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	if vhost != "" {
		// RabbitMQ vhost names may contain '/', which must be encoded as
		// %2F. QueryEscape encodes '/' while PathEscape does not.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}

// Ping dials the broker and immediately closes the connection. Used by
// liveness checks.
func Ping(ctx context.Context, connectionString string) error {
	if connectionString == "" {
		return ErrConnectionStringRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := dialWithContext(ctx, connectionString, defaultDialTimeout)
	if err != nil {
		return newSanitizedError(err, connectionString, "rabbitmq ping")
	}

	return conn.Close()
}

func dialWithContext(ctx context.Context, connectionString string, timeout time.Duration) (*amqp.Connection, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	return amqp.DialConfig(connectionString, amqp.Config{
		Dial: amqp.DefaultDial(timeout),
	})
}

// sanitizedError wraps an original error with a redacted message. Error()
// returns the sanitized text; Unwrap() returns the original so errors.Is /
// errors.As still work for classification.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	if strings.Contains(errMsg, referenceURL.String()) {
		errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)
	}

	// The decoded password can leak into error text even when the full URL
	// does not.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

package rabbitmq

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meridianbank/lib-eventrelay/outbox"
)

// NewConnectivityClassifier classifies publish failures that mean the broker
// is unreachable, as opposed to a problem with the message itself. The
// dispatcher halts the batch and backs off on these.
func NewConnectivityClassifier() outbox.ConnectivityClassifier {
	return outbox.ConnectivityClassifierFunc(IsConnectivityError)
}

// IsConnectivityError reports whether err indicates a broker connectivity
// failure: dial errors, reset or refused connections, closed channels, and
// connection-level AMQP errors.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced,
			amqp.FrameError,
			amqp.ChannelError,
			amqp.UnexpectedFrame,
			amqp.ResourceError,
			amqp.InternalError:
			return true
		}
	}

	return false
}

//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp 10.0.0.1:5672: i/o timeout" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func TestIsConnectivityError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "channel closed", err: amqp.ErrClosed, want: true},
		{name: "wrapped channel closed", err: fmt.Errorf("publish: %w", amqp.ErrClosed), want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "broken pipe", err: syscall.EPIPE, want: true},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "net error", err: fakeNetError{}, want: true},
		{name: "connection forced", err: &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}, want: true},
		{name: "frame error", err: &amqp.Error{Code: amqp.FrameError}, want: true},
		{name: "resource error", err: &amqp.Error{Code: amqp.ResourceError}, want: true},
		{name: "internal error", err: &amqp.Error{Code: amqp.InternalError}, want: true},
		{name: "access refused is not connectivity", err: &amqp.Error{Code: amqp.AccessRefused}, want: false},
		{name: "not found is not connectivity", err: &amqp.Error{Code: amqp.NotFound}, want: false},
		{name: "plain error", err: errors.New("payload rejected"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, IsConnectivityError(tt.err))
		})
	}
}

func TestNewConnectivityClassifier(t *testing.T) {
	t.Parallel()

	classifier := NewConnectivityClassifier()
	require.True(t, classifier.IsConnectivityError(io.EOF))
	require.False(t, classifier.IsConnectivityError(errors.New("schema mismatch")))
	require.False(t, classifier.IsConnectivityError(context.Canceled))
}

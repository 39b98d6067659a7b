//go:build unit

package outbox

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"PENDING", "SENT", "ERROR", "BLOCKED"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		require.Equal(t, raw, status.String())
	}

	_, err := ParseStatus("PROCESSING")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusTerminality(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusError.IsTerminal())
	require.True(t, StatusSent.IsTerminal())
	require.True(t, StatusBlocked.IsTerminal())
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusBlocked, true},
		{StatusError, StatusSent, true},
		{StatusError, StatusError, true},
		{StatusError, StatusBlocked, true},
		{StatusSent, StatusError, false},
		{StatusSent, StatusPending, false},
		{StatusBlocked, StatusSent, false},
		{StatusBlocked, StatusError, false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	message, err := NewMessage(id, "accounts", "bank.events", "account.closed", []byte(`{"a":1}`), map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, id, message.ID)
	require.Equal(t, StatusPending, message.Status)
	require.Zero(t, message.PublishAttempts)
	require.Zero(t, message.FormatErrorCount)
	require.Nil(t, message.PublishedAt)
	require.False(t, message.CreatedAt.IsZero())
}

func TestNewMessageValidation(t *testing.T) {
	t.Parallel()

	valid := func() (uuid.UUID, string, string, string, []byte) {
		return uuid.New(), "accounts", "bank.events", "account.closed", []byte(`{}`)
	}

	t.Run("nil id", func(t *testing.T) {
		t.Parallel()

		_, _, exchange, key, payload := valid()
		_, err := NewMessage(uuid.Nil, "accounts", exchange, key, payload, nil)
		require.ErrorIs(t, err, ErrMessageIDRequired)
	})

	t.Run("blank service", func(t *testing.T) {
		t.Parallel()

		id, _, exchange, key, payload := valid()
		_, err := NewMessage(id, "  ", exchange, key, payload, nil)
		require.ErrorIs(t, err, ErrServiceNameRequired)
	})

	t.Run("blank exchange", func(t *testing.T) {
		t.Parallel()

		id, service, _, key, payload := valid()
		_, err := NewMessage(id, service, "", key, payload, nil)
		require.ErrorIs(t, err, ErrExchangeRequired)
	})

	t.Run("empty payload", func(t *testing.T) {
		t.Parallel()

		id, service, exchange, key, _ := valid()
		_, err := NewMessage(id, service, exchange, key, nil, nil)
		require.ErrorIs(t, err, ErrPayloadRequired)
	})

	t.Run("invalid json payload", func(t *testing.T) {
		t.Parallel()

		id, service, exchange, key, _ := valid()
		_, err := NewMessage(id, service, exchange, key, []byte(`{broken`), nil)
		require.ErrorIs(t, err, ErrPayloadNotJSON)
	})
}

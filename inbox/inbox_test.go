//go:build unit

package inbox

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterValidate(t *testing.T) {
	t.Parallel()

	valid := func() *DeadLetter {
		return &DeadLetter{
			MessageID:   uuid.New(),
			ServiceName: "antifraud",
			HandlerName: "antifraud-status",
			RoutingKey:  "client.blocked",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*DeadLetter)
		wantErr error
	}{
		{name: "valid", mutate: func(*DeadLetter) {}},
		{
			name:    "missing message id",
			mutate:  func(letter *DeadLetter) { letter.MessageID = uuid.Nil },
			wantErr: ErrMessageIDRequired,
		},
		{
			name:    "missing service name",
			mutate:  func(letter *DeadLetter) { letter.ServiceName = "" },
			wantErr: ErrServiceNameRequired,
		},
		{
			name:    "missing routing key",
			mutate:  func(letter *DeadLetter) { letter.RoutingKey = "" },
			wantErr: ErrRoutingKeyRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			letter := valid()
			tt.mutate(letter)

			err := letter.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDeadLetterValidateNilReceiver(t *testing.T) {
	t.Parallel()

	var letter *DeadLetter
	require.ErrorIs(t, letter.Validate(), ErrMessageIDRequired)
}

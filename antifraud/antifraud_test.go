//go:build unit

package antifraud

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/lib-eventrelay/consumer"
	"github.com/meridianbank/lib-eventrelay/events"
)

type blockCall struct {
	clientID uuid.UUID
	reason   string
}

type fakeStore struct {
	blocks  []blockCall
	credits []MoneyCredited

	blockErr  error
	creditErr error
}

func (s *fakeStore) BlockClient(ctx context.Context, tx *sql.Tx, clientID uuid.UUID, reason string) error {
	if s.blockErr != nil {
		return s.blockErr
	}

	s.blocks = append(s.blocks, blockCall{clientID: clientID, reason: reason})

	return nil
}

func (s *fakeStore) RecordCredit(ctx context.Context, tx *sql.Tx, credit MoneyCredited) error {
	if s.creditErr != nil {
		return s.creditErr
	}

	s.credits = append(s.credits, credit)

	return nil
}

func TestClientBlockedValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClientBlocked{ClientID: uuid.New(), Reason: "card fraud"}.Validate())
	require.NoError(t, ClientBlocked{ClientID: uuid.New()}.Validate())
	require.ErrorIs(t, ClientBlocked{}.Validate(), ErrClientIDRequired)
}

func TestMoneyCreditedValidate(t *testing.T) {
	t.Parallel()

	valid := func() MoneyCredited {
		return MoneyCredited{
			AccountID: uuid.New(),
			ClientID:  uuid.New(),
			Amount:    decimal.NewFromFloat(125.50),
			Currency:  "EUR",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*MoneyCredited)
		wantErr error
	}{
		{name: "valid", mutate: func(*MoneyCredited) {}},
		{
			name:    "missing account id",
			mutate:  func(payload *MoneyCredited) { payload.AccountID = uuid.Nil },
			wantErr: ErrAccountIDRequired,
		},
		{
			name:    "missing client id",
			mutate:  func(payload *MoneyCredited) { payload.ClientID = uuid.Nil },
			wantErr: ErrClientIDRequired,
		},
		{
			name:    "zero amount",
			mutate:  func(payload *MoneyCredited) { payload.Amount = decimal.Zero },
			wantErr: ErrAmountNotPositive,
		},
		{
			name:    "negative amount",
			mutate:  func(payload *MoneyCredited) { payload.Amount = decimal.NewFromInt(-10) },
			wantErr: ErrAmountNotPositive,
		},
		{
			name:    "missing currency",
			mutate:  func(payload *MoneyCredited) { payload.Currency = "" },
			wantErr: ErrCurrencyRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			payload := valid()
			tt.mutate(&payload)

			err := payload.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func newEnvelope(t *testing.T, payload string) *events.Envelope {
	t.Helper()

	envelope, err := events.NewEnvelope("accounts", []byte(payload), "", "")
	require.NoError(t, err)

	return envelope
}

func routedContext(routingKey string) context.Context {
	return consumer.ContextWithRoutingKey(context.Background(), routingKey)
}

func TestStatusHandlerBlocksClient(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	handler, err := NewStatusHandler(store)
	require.NoError(t, err)

	require.Equal(t, "antifraud-status", handler.Name())
	require.Equal(t, events.ProtocolVersion, handler.Version())

	clientID := uuid.New()
	envelope := newEnvelope(t, `{"clientId":"`+clientID.String()+`","reason":"chargeback abuse"}`)

	err = handler.Handle(routedContext(RoutingKeyClientBlocked), nil, envelope)
	require.NoError(t, err)

	require.Equal(t, []blockCall{{clientID: clientID, reason: "chargeback abuse"}}, store.blocks)
	require.Empty(t, store.credits)
}

func TestStatusHandlerRecordsCredit(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	handler, err := NewStatusHandler(store)
	require.NoError(t, err)

	accountID := uuid.New()
	clientID := uuid.New()
	envelope := newEnvelope(t,
		`{"accountId":"`+accountID.String()+`","clientId":"`+clientID.String()+`","amount":"250.75","currency":"EUR"}`)

	err = handler.Handle(routedContext(RoutingKeyMoneyCredited), nil, envelope)
	require.NoError(t, err)

	require.Len(t, store.credits, 1)
	require.Equal(t, accountID, store.credits[0].AccountID)
	require.Equal(t, clientID, store.credits[0].ClientID)
	require.True(t, store.credits[0].Amount.Equal(decimal.RequireFromString("250.75")))
	require.Equal(t, "EUR", store.credits[0].Currency)
}

func TestStatusHandlerUnknownRoutingKey(t *testing.T) {
	t.Parallel()

	handler, err := NewStatusHandler(&fakeStore{})
	require.NoError(t, err)

	err = handler.Handle(routedContext("account.closed"), nil, newEnvelope(t, `{}`))
	require.ErrorIs(t, err, ErrUnsupportedRoutingKey)
}

func TestStatusHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	handler, err := NewStatusHandler(store)
	require.NoError(t, err)

	err = handler.Handle(routedContext(RoutingKeyClientBlocked), nil, newEnvelope(t, `{"clientId":"not-a-uuid"}`))
	require.Error(t, err)

	err = handler.Handle(routedContext(RoutingKeyClientBlocked), nil, newEnvelope(t, `{}`))
	require.ErrorIs(t, err, ErrClientIDRequired)

	err = handler.Handle(routedContext(RoutingKeyMoneyCredited), nil,
		newEnvelope(t, `{"accountId":"`+uuid.NewString()+`","clientId":"`+uuid.NewString()+`","amount":"-5","currency":"EUR"}`))
	require.ErrorIs(t, err, ErrAmountNotPositive)

	require.Empty(t, store.blocks)
	require.Empty(t, store.credits)
}

func TestStatusHandlerPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("antifraud db down")
	handler, err := NewStatusHandler(&fakeStore{blockErr: storeErr})
	require.NoError(t, err)

	envelope := newEnvelope(t, `{"clientId":"`+uuid.NewString()+`"}`)
	require.ErrorIs(t, handler.Handle(routedContext(RoutingKeyClientBlocked), nil, envelope), storeErr)
}

func TestNewStatusHandlerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStatusHandler(nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

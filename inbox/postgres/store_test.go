//go:build unit

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/lib-eventrelay/inbox"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
)

func TestNewConsumedStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewConsumedStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewConsumedStore(&libPostgres.Connection{}, WithConsumedTableName("inbox; DROP TABLE x"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	store, err := NewConsumedStore(&libPostgres.Connection{}, WithConsumedTableName("   "))
	require.NoError(t, err)
	require.Equal(t, defaultConsumedTable, store.tableName)
}

func TestNewDeadLetterStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDeadLetterStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewDeadLetterStore(&libPostgres.Connection{}, WithDeadLetterTableName(`x"y`))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	store, err := NewDeadLetterStore(&libPostgres.Connection{})
	require.NoError(t, err)
	require.Equal(t, defaultDeadLetterTable, store.tableName)
}

func TestMarkConsumedRequiresTransaction(t *testing.T) {
	t.Parallel()

	store, err := NewConsumedStore(&libPostgres.Connection{})
	require.NoError(t, err)

	err = store.MarkConsumed(context.Background(), nil, uuid.New(), "antifraud", "antifraud-status")
	require.ErrorIs(t, err, inbox.ErrTransactionRequired)
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	messageID := uuid.New()

	require.NoError(t, validateKey(messageID, "svc", "handler"))
	require.ErrorIs(t, validateKey(uuid.Nil, "svc", "handler"), inbox.ErrMessageIDRequired)
	require.ErrorIs(t, validateKey(messageID, "", "handler"), inbox.ErrServiceNameRequired)
	require.ErrorIs(t, validateKey(messageID, "svc", ""), inbox.ErrHandlerNameRequired)
}

func TestRecordValidatesLetter(t *testing.T) {
	t.Parallel()

	store, err := NewDeadLetterStore(&libPostgres.Connection{})
	require.NoError(t, err)

	require.ErrorIs(t, store.Record(context.Background(), nil), ErrLetterRequired)
	require.ErrorIs(t, store.Record(context.Background(), &inbox.DeadLetter{}), inbox.ErrMessageIDRequired)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	require.True(t, isUniqueViolation(&pgconn.PgError{Code: uniqueViolationCode}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("duplicate key value")))
	require.False(t, isUniqueViolation(nil))
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"inbox_consumed"`, quoteIdentifier("inbox_consumed"))
	require.Equal(t, `"in""box"`, quoteIdentifier(`in"box`))
}

func TestMarshalHeaders(t *testing.T) {
	t.Parallel()

	encoded, err := marshalHeaders(nil)
	require.NoError(t, err)
	require.Nil(t, encoded)

	encoded, err = marshalHeaders(map[string]string{"x-origin": "accounts"})
	require.NoError(t, err)
	require.JSONEq(t, `{"x-origin":"accounts"}`, string(encoded))
}

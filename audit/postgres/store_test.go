//go:build unit

package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/lib-eventrelay/audit"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
)

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewStore(&libPostgres.Connection{}, WithTableName("audit; --"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	store, err := NewStore(&libPostgres.Connection{}, WithTableName(" "))
	require.NoError(t, err)
	require.Equal(t, defaultTableName, store.tableName)
}

func TestValidateEvent(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, validateEvent(nil), audit.ErrEventRequired)
	require.ErrorIs(t, validateEvent(&audit.Event{RoutingKey: "x.y"}), audit.ErrMessageIDRequired)
	require.ErrorIs(t, validateEvent(&audit.Event{MessageID: uuid.New()}), audit.ErrRoutingKeyRequired)
	require.NoError(t, validateEvent(&audit.Event{MessageID: uuid.New(), RoutingKey: "x.y"}))
}

func TestInsertQueryUsesQuotedTable(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&libPostgres.Connection{})
	require.NoError(t, err)

	require.Contains(t, store.insertQuery(), `INSERT INTO "audit_events"`)
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"audit_events"`, quoteIdentifier("audit_events"))
	require.Equal(t, `"au""dit"`, quoteIdentifier(`au"dit`))
}

//go:build unit

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register("AccountClosed", "account.closed"))
	require.NoError(t, registry.Register("MoneyCredited", "money.credited"))

	routingKey, err := registry.RoutingKeyFor("AccountClosed")
	require.NoError(t, err)
	require.Equal(t, "account.closed", routingKey)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register("AccountClosed", "account.closed"))
	require.ErrorIs(t, registry.Register("AccountClosed", "account.closed"), ErrRoutingKeyAlreadyRegistered)
}

func TestRegistryUnknownType(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	_, err := registry.RoutingKeyFor("NeverRegistered")
	require.ErrorIs(t, err, ErrRoutingKeyNotRegistered)
}

func TestRegistryRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.ErrorIs(t, registry.Register("", "account.closed"), ErrEventTypeRequired)
	require.ErrorIs(t, registry.Register("AccountClosed", "Not A Key"), ErrRoutingKeyMalformed)

	_, err := registry.RoutingKeyFor("")
	require.ErrorIs(t, err, ErrEventTypeRequired)
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.MustRegister("AccountClosed", "account.closed")

	require.Panics(t, func() {
		registry.MustRegister("AccountClosed", "account.closed")
	})
}

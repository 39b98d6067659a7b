package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrEventTypeRequired          = errors.New("event type is required")
	ErrRoutingKeyAlreadyRegistered = errors.New("routing key already registered for event type")
	ErrRoutingKeyNotRegistered     = errors.New("no routing key registered for event type")
)

// Registry maps event type names to routing keys. Every publishable event
// type registers exactly one routing key, at startup; lookups of
// unregistered types fail fast because they are programming errors, not
// runtime conditions.
type Registry struct {
	mu          sync.RWMutex
	routingKeys map[string]string
}

// NewRegistry creates an empty routing-key registry.
func NewRegistry() *Registry {
	return &Registry{routingKeys: map[string]string{}}
}

// Register binds an event type to a routing key. Re-registering a type is an
// error even with the same key.
func (registry *Registry) Register(eventType, routingKey string) error {
	if registry == nil {
		return errors.New("registry is required")
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.routingKeys == nil {
		registry.routingKeys = make(map[string]string)
	}

	if _, exists := registry.routingKeys[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrRoutingKeyAlreadyRegistered, normalizedType)
	}

	registry.routingKeys[normalizedType] = strings.TrimSpace(routingKey)

	return nil
}

// MustRegister is Register for static init blocks; it panics on error.
func (registry *Registry) MustRegister(eventType, routingKey string) {
	if err := registry.Register(eventType, routingKey); err != nil {
		panic(err)
	}
}

// RoutingKeyFor resolves the routing key for an event type.
func (registry *Registry) RoutingKeyFor(eventType string) (string, error) {
	if registry == nil {
		return "", ErrRoutingKeyNotRegistered
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return "", ErrEventTypeRequired
	}

	registry.mu.RLock()
	routingKey, ok := registry.routingKeys[normalizedType]
	registry.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRoutingKeyNotRegistered, normalizedType)
	}

	return routingKey, nil
}

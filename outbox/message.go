// Package outbox implements the transactional-outbox producer, the message
// model, and the dispatcher that drains queued events to the broker.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianbank/lib-eventrelay/events"
)

// Blocking thresholds. A message is permanently blocked only when both are
// reached: it has been attempted at least BlockPublishAttempts times and at
// least BlockFormatErrors of those failures were format errors.
const (
	BlockPublishAttempts = 10
	BlockFormatErrors    = 10
)

// Status is an outbox message lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusError   Status = "ERROR"
	StatusBlocked Status = "BLOCKED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusSent, StatusError, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the dispatcher may never touch the row again.
func (status Status) IsTerminal() bool {
	return status == StatusSent || status == StatusBlocked
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. ERROR rows are re-dispatched exactly like PENDING rows; SENT and
// BLOCKED are terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending, StatusError:
		return next == StatusSent || next == StatusError || next == StatusBlocked
	case StatusSent, StatusBlocked:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// Message is one outbox row: an event queued for delivery to the broker.
type Message struct {
	ID               uuid.UUID
	CreatedAt        time.Time
	ServiceName      string
	RoutingKey       string
	Exchange         string
	Payload          []byte
	Headers          map[string]string
	PublishAttempts  int
	PublishedAt      *time.Time
	LastAttemptAt    *time.Time
	LastError        string
	Status           Status
	FormatErrorCount int
	ClaimedUntil     *time.Time
}

// NewMessage creates a pending outbox message wrapping an encoded envelope.
func NewMessage(
	id uuid.UUID,
	serviceName, exchange, routingKey string,
	payload []byte,
	headers map[string]string,
) (*Message, error) {
	if id == uuid.Nil {
		return nil, ErrMessageIDRequired
	}

	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return nil, ErrServiceNameRequired
	}

	if strings.TrimSpace(exchange) == "" {
		return nil, ErrExchangeRequired
	}

	if err := events.ValidateRoutingKey(routingKey); err != nil {
		return nil, err
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	return &Message{
		ID:          id,
		CreatedAt:   time.Now().UTC(),
		ServiceName: serviceName,
		RoutingKey:  strings.TrimSpace(routingKey),
		Exchange:    strings.TrimSpace(exchange),
		Payload:     payload,
		Headers:     headers,
		Status:      StatusPending,
	}, nil
}

// Package events defines the wire envelope wrapping every domain event and
// the static registry resolving event types to routing keys.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEventIDRequired     = errors.New("envelope event id is required")
	ErrPayloadRequired     = errors.New("envelope payload is required")
	ErrPayloadNotJSON      = errors.New("envelope payload must be valid JSON")
	ErrEnvelopeMalformed   = errors.New("envelope body is not a valid message envelope")
	ErrVersionMismatch     = errors.New("envelope protocol version mismatch")
	ErrRoutingKeyMalformed = errors.New("routing key must be a dot-separated lowercase path")
)

// ProtocolVersion is the envelope version stamped by this library's producer.
const ProtocolVersion = "1"

// Meta carries envelope metadata linking events across a causal chain.
type Meta struct {
	Version       string `json:"version"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId"`
}

// Envelope is the wire format wrapping every event: identity, timestamp,
// metadata, and the opaque event payload.
type Envelope struct {
	EventID    uuid.UUID       `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Meta       Meta            `json:"meta"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope creates a valid envelope for a payload produced now.
func NewEnvelope(source string, payload []byte, correlationID, causationID string) (*Envelope, error) {
	return NewEnvelopeWithID(uuid.New(), source, payload, correlationID, causationID)
}

// NewEnvelopeWithID creates a valid envelope with a caller-provided event id.
// The outbox producer uses this so the envelope id equals the outbox row id.
func NewEnvelopeWithID(eventID uuid.UUID, source string, payload []byte, correlationID, causationID string) (*Envelope, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	return &Envelope{
		EventID:    eventID,
		OccurredAt: time.Now().UTC(),
		Meta: Meta{
			Version:       ProtocolVersion,
			Source:        strings.TrimSpace(source),
			CorrelationID: correlationID,
			CausationID:   causationID,
		},
		Payload: payload,
	}, nil
}

// Encode serializes the envelope to its camelCase JSON wire form.
func (envelope *Envelope) Encode() ([]byte, error) {
	if envelope == nil {
		return nil, ErrEnvelopeMalformed
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return body, nil
}

// Decode parses a wire body into an envelope. Any structural defect is
// reported as ErrEnvelopeMalformed so consumers can route straight to the
// dead-letter path without retrying.
func Decode(body []byte) (*Envelope, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrEnvelopeMalformed)
	}

	var envelope Envelope

	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeMalformed, err)
	}

	if envelope.EventID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing eventId", ErrEnvelopeMalformed)
	}

	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrEnvelopeMalformed)
	}

	return &envelope, nil
}

// CheckVersion validates the envelope's protocol version against the
// consumer's expected version. A mismatch is a protocol violation and is
// never retried.
func (envelope *Envelope) CheckVersion(expected string) error {
	if envelope == nil {
		return ErrEnvelopeMalformed
	}

	if envelope.Meta.Version != expected {
		return fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, envelope.Meta.Version, expected)
	}

	return nil
}

// ValidateRoutingKey enforces the dot-separated routing key shape
// (e.g. "account.closed", "money.credited").
func ValidateRoutingKey(routingKey string) error {
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return fmt.Errorf("%w: empty", ErrRoutingKeyMalformed)
	}

	for segment := range strings.SplitSeq(routingKey, ".") {
		if segment == "" {
			return fmt.Errorf("%w: %q", ErrRoutingKeyMalformed, routingKey)
		}

		for _, r := range segment {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
				return fmt.Errorf("%w: %q", ErrRoutingKeyMalformed, routingKey)
			}
		}
	}

	return nil
}

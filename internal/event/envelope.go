package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed is returned when bytes on the wire are not an envelope.
	ErrMalformed = errors.New("malformed event envelope")

	// ErrPayloadUnavailable is returned when an envelope references an
	// offloaded payload that cannot be loaded.
	ErrPayloadUnavailable = errors.New("offloaded payload unavailable")

	// ErrOffloadFailed is returned when a large payload cannot be stored.
	ErrOffloadFailed = errors.New("payload offload failed")
)

// Envelope is the wire format of every event published to the broker.
type Envelope struct {
	// ID is the deduplication key: one value per logical occurrence.
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Subject       string          `json:"subject"`
	Source        string          `json:"source,omitempty"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadRef    *PayloadRef     `json:"payload_ref,omitempty"`
}

// PayloadRef points at a payload body stored outside the broker.
type PayloadRef struct {
	Key         string `json:"key"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Bind decodes the payload into v.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		if e.PayloadRef != nil {
			return fmt.Errorf("%w: %s", ErrPayloadUnavailable, e.PayloadRef.Key)
		}
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of event %s: %w", e.ID, err)
	}
	return nil
}

// Fields decodes an object payload into a generic map.
func (e *Envelope) Fields() (map[string]any, error) {
	var fields map[string]any
	if err := e.Bind(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Keyed is implemented by payloads that know their own identity. The key is
// used as the deduplication id when the caller does not supply one.
type Keyed interface {
	DedupKey() string
}

package event

import (
	"context"
	"encoding/json"
	"fmt"
)

// PayloadStore keeps payload bodies that are too large for the broker.
type PayloadStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Codec turns envelopes into message bodies and back, moving payloads larger
// than the threshold into the store. A nil *Codec encodes everything inline.
type Codec struct {
	store     PayloadStore
	threshold int
}

// NewCodec creates a codec. Offloading is disabled when store is nil or threshold <= 0.
func NewCodec(store PayloadStore, threshold int) *Codec {
	return &Codec{store: store, threshold: threshold}
}

func (c *Codec) offloads(size int) bool {
	return c != nil && c.store != nil && c.threshold > 0 && size > c.threshold
}

// Marshal encodes env. The envelope passed in is not modified.
func (c *Codec) Marshal(ctx context.Context, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	out := *env
	if c.offloads(len(env.Payload)) {
		key := OffloadKey(env)
		if err := c.store.Put(ctx, key, env.Payload, "application/json"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOffloadFailed, err)
		}
		out.Payload = nil
		out.PayloadRef = &PayloadRef{
			Key:         key,
			Size:        len(env.Payload),
			ContentType: "application/json",
		}
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a message body, loading an offloaded payload when needed.
func (c *Codec) Unmarshal(ctx context.Context, data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Subject == "" {
		return nil, fmt.Errorf("%w: missing id or subject", ErrMalformed)
	}

	if env.PayloadRef != nil && len(env.Payload) == 0 {
		if c == nil || c.store == nil {
			return nil, fmt.Errorf("%w: no payload store configured for %s", ErrPayloadUnavailable, env.PayloadRef.Key)
		}
		body, err := c.store.Get(ctx, env.PayloadRef.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadUnavailable, err)
		}
		env.Payload = body
	}

	return &env, nil
}

// OffloadKey returns the object key an envelope's payload is stored under.
// Retried publishes with the same id map to the same key.
func OffloadKey(env *Envelope) string {
	return env.Subject + "/" + env.ID
}

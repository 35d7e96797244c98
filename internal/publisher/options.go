package publisher

import "time"

type publishOptions struct {
	dedupKey      string
	timeout       time.Duration
	eventType     string
	correlationID string
	headers       map[string]string
}

// Option adjusts a single publish call
type Option func(*publishOptions)

// WithDedupKey sets the deduplication key of the event. Publishes carrying
// the same key inside the stream's dedup window are stored once.
func WithDedupKey(key string) Option {
	return func(o *publishOptions) {
		o.dedupKey = key
	}
}

// WithTimeout bounds the wait for the broker acknowledgement
func WithTimeout(d time.Duration) Option {
	return func(o *publishOptions) {
		o.timeout = d
	}
}

// WithEventType overrides the type tag derived from the subject
func WithEventType(eventType string) Option {
	return func(o *publishOptions) {
		o.eventType = eventType
	}
}

// WithCorrelationID stamps the envelope with a correlation id
func WithCorrelationID(id string) Option {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithHeader adds a message header
func WithHeader(key, value string) Option {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

package publisher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/tracing"
	"github.com/moroshma/eventrelay/pkg/logger"
)

const (
	HeaderEventType     = "Event-Type"
	HeaderEventTime     = "Event-Time"
	HeaderCorrelationID = "Correlation-Id"

	DefaultTimeout = 3 * time.Second

	tracerName = "github.com/moroshma/eventrelay/internal/publisher"
)

// Reason classifies a failed publish
type Reason string

const (
	ReasonInvalid      Reason = "invalid"
	ReasonEncode       Reason = "encode"
	ReasonNotConnected Reason = "not_connected"
	ReasonTimeout      Reason = "timeout"
	ReasonNoStream     Reason = "no_stream"
	ReasonRejected     Reason = "rejected"
	ReasonOffload      Reason = "offload"
)

// Result is the outcome of a publish. Failures are reported here rather
// than as an error.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Stream    string `json:"stream,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	DedupKey  string `json:"dedupKey,omitempty"`
	Reason    Reason `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Err returns nil for a successful result
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("publish failed (%s): %s", r.Reason, r.Error)
}

// JetStreamProvider hands out the JetStream context of the live connection
type JetStreamProvider interface {
	JetStream() (jetstream.JetStream, error)
}

// Config holds publisher settings
type Config struct {
	Source  string
	Timeout time.Duration
	Metrics *metrics.Recorder
}

// Publisher writes events to the durable streams
type Publisher struct {
	js      JetStreamProvider
	codec   *event.Codec
	logger  *logger.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	source  string
	timeout time.Duration
}

// New creates a publisher. A nil codec keeps every payload inline.
func New(js JetStreamProvider, codec *event.Codec, log *logger.Logger, cfg Config) *Publisher {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Publisher{
		js:      js,
		codec:   codec,
		logger:  log.Component("publisher"),
		metrics: cfg.Metrics,
		tracer:  tracing.Tracer(tracerName),
		source:  cfg.Source,
		timeout: cfg.Timeout,
	}
}

// Publish stores payload on subject and waits for the broker acknowledgement.
// It never retries on its own.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any, opts ...Option) Result {
	start := time.Now()
	o := publishOptions{timeout: p.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := p.tracer.Start(ctx, "publish "+subject,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
		),
	)
	defer span.End()

	res := p.publish(ctx, subject, payload, o)

	outcome := "ok"
	switch {
	case !res.Success:
		outcome = string(res.Reason)
		span.SetStatus(codes.Error, res.Error)
		p.logger.Warn("Publish failed",
			logger.String("subject", subject),
			logger.String("reason", string(res.Reason)),
			logger.String("dedup_key", res.DedupKey),
			logger.String("error", res.Error),
		)
	case res.Duplicate:
		outcome = "duplicate"
		p.logger.Debug("Duplicate publish suppressed",
			logger.String("subject", subject),
			logger.String("message_id", res.MessageID),
			logger.String("dedup_key", res.DedupKey),
		)
	default:
		p.logger.Debug("Event published",
			logger.String("subject", subject),
			logger.String("message_id", res.MessageID),
			logger.String("dedup_key", res.DedupKey),
		)
	}
	span.SetAttributes(attribute.String("eventrelay.publish.outcome", outcome))
	p.metrics.Published(subject, outcome, time.Since(start))

	return res
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any, o publishOptions) Result {
	if !event.ValidSubject(subject) {
		return failure(ReasonInvalid, "", fmt.Errorf("invalid subject %q", subject))
	}
	if o.timeout <= 0 {
		return failure(ReasonInvalid, "", fmt.Errorf("timeout must be positive"))
	}

	body, err := encodePayload(payload)
	if err != nil {
		return failure(ReasonEncode, "", err)
	}

	eventType := o.eventType
	if eventType == "" {
		eventType = event.Subject(subject).EventType()
	}

	dedupKey := o.dedupKey
	if dedupKey == "" {
		if keyed, ok := payload.(event.Keyed); ok {
			dedupKey = keyed.DedupKey()
		}
	}
	if dedupKey == "" {
		dedupKey = DeriveDedupKey(subject, eventType, body)
	}

	now := time.Now().UTC()
	env := &event.Envelope{
		ID:            dedupKey,
		Type:          eventType,
		Subject:       subject,
		Source:        p.source,
		Version:       event.SchemaVersion,
		Timestamp:     now,
		CorrelationID: o.correlationID,
		Payload:       body,
	}

	js, err := p.js.JetStream()
	if err != nil {
		return failure(ReasonNotConnected, dedupKey, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	data, err := p.codec.Marshal(ctx, env)
	if err != nil {
		if errors.Is(err, event.ErrOffloadFailed) {
			return failure(ReasonOffload, dedupKey, err)
		}
		return failure(ReasonEncode, dedupKey, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range o.headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderEventType, eventType)
	msg.Header.Set(HeaderEventTime, now.Format(time.RFC3339Nano))
	if o.correlationID != "" {
		msg.Header.Set(HeaderCorrelationID, o.correlationID)
	}
	tracing.Inject(ctx, msg.Header)

	ack, err := js.PublishMsg(ctx, msg, jetstream.WithMsgID(MsgID(subject, dedupKey)))
	if err != nil {
		return failure(classify(err), dedupKey, err)
	}

	return Result{
		Success:   true,
		MessageID: MessageID(ack.Stream, ack.Sequence),
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
		DedupKey:  dedupKey,
	}
}

// MessageID formats the broker-assigned identifier of a stored message
func MessageID(stream string, seq uint64) string {
	return fmt.Sprintf("%s:%d", stream, seq)
}

// MsgID is the broker deduplication id. The stream dedups across all its
// subjects, so the subject is part of the id: the same key on two subjects
// names two events. Subjects never contain spaces.
func MsgID(subject, dedupKey string) string {
	return subject + " " + dedupKey
}

// DeriveDedupKey builds a deterministic key from the event content, used
// when neither the caller nor the payload supply one.
func DeriveDedupKey(subject, eventType string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(body)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload cannot be nil")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("payload is not valid json: %w", err)
	}
	return buf.Bytes(), nil
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, jetstream.ErrNoStreamResponse):
		return ReasonNoStream
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, nats.ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, broker.ErrNotConnected):
		return ReasonNotConnected
	default:
		// API errors and anything unexpected
		return ReasonRejected
	}
}

func failure(reason Reason, dedupKey string, err error) Result {
	return Result{
		Success:  false,
		DedupKey: dedupKey,
		Reason:   reason,
		Error:    err.Error(),
	}
}

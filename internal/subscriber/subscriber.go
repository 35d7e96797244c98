package subscriber

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/tracing"
	"github.com/moroshma/eventrelay/pkg/logger"
)

const (
	// MetadataQueueGroup is the consumer metadata key holding the queue group
	MetadataQueueGroup = "queue_group"

	tracerName = "github.com/moroshma/eventrelay/internal/subscriber"
)

// Handler processes one event. Returning nil acknowledges it, an error
// requests redelivery and an error wrapped with Permanent terminates it.
// Delivery is at least once, so handlers must be idempotent.
type Handler func(ctx context.Context, env *event.Envelope, md Metadata) error

// Metadata describes one delivery
type Metadata struct {
	Subject          string
	Stream           string
	Consumer         string
	StreamSequence   uint64
	ConsumerSequence uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Headers          nats.Header
}

// Options of a durable subscription. DurableName and QueueGroup are required.
type Options struct {
	DurableName    string
	QueueGroup     string
	AckWait        time.Duration
	MaxDeliver     int
	MaxConcurrency int // 1 handles messages serially in stream order
	NakDelay       time.Duration
	HandlerTimeout time.Duration
	DeliverNew     bool // start a new durable at the stream tail
}

func (o *Options) validate() error {
	if o.DurableName == "" || strings.ContainsAny(o.DurableName, ".*> \t\r\n") {
		return fmt.Errorf("%w: bad durable name %q", ErrInvalidOptions, o.DurableName)
	}
	if o.QueueGroup == "" {
		return fmt.Errorf("%w: queue group is required", ErrInvalidOptions)
	}
	if o.AckWait < 0 || o.NakDelay < 0 || o.HandlerTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidOptions)
	}
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.AckWait == 0 {
		o.AckWait = 30 * time.Second
	}
	return nil
}

// JetStreamProvider hands out the JetStream context of the live connection
type JetStreamProvider interface {
	JetStream() (jetstream.JetStream, error)
}

// Option configures a Subscriber
type Option func(*Subscriber)

// WithMetrics records handler outcomes on r
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Subscriber) {
		s.metrics = r
	}
}

// Subscriber runs durable pull consumers
type Subscriber struct {
	js      JetStreamProvider
	codec   *event.Codec
	logger  *logger.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a subscriber. A nil codec cannot resolve offloaded payloads.
func New(js JetStreamProvider, codec *event.Codec, log *logger.Logger, opts ...Option) *Subscriber {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Subscriber{
		js:     js,
		codec:  codec,
		logger: log.Component("subscriber"),
		tracer: tracing.Tracer(tracerName),
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is a running durable consumer bound to one subject
type Subscription struct {
	owner    *Subscriber
	subject  string
	opts     Options
	handler  Handler
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	logger   *logger.Logger

	sem      chan struct{}
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Subscribe binds handler to subject through the durable consumer named
// opts.DurableName, creating the consumer on first use. Subscriptions with
// the same durable name compete for messages; different durables each see
// every message.
func (s *Subscriber) Subscribe(ctx context.Context, subject string, handler Handler, opts Options) (*Subscription, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidOptions)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	js, err := s.js.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := s.bindConsumer(ctx, js, subject, opts)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		owner:    s,
		subject:  subject,
		opts:     opts,
		handler:  handler,
		consumer: consumer,
		logger: s.logger.WithFields(map[string]interface{}{
			"subject":     subject,
			"durable":     opts.DurableName,
			"queue_group": opts.QueueGroup,
		}),
		sem:    make(chan struct{}, opts.MaxConcurrency),
		ctx:    subCtx,
		cancel: cancel,
	}

	cc, err := consumer.Consume(sub.receive,
		jetstream.PullMaxMessages(opts.MaxConcurrency*2),
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			sub.logger.Warn("Consume error", logger.Error(err))
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming %s: %w", subject, err)
	}
	sub.cc = cc

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Stop()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.logger.Info("Subscribed")
	return sub, nil
}

func (s *Subscriber) bindConsumer(ctx context.Context, js jetstream.JetStream, subject string, opts Options) (jetstream.Consumer, error) {
	streamName, err := js.StreamNameBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoStream, subject)
		}
		return nil, fmt.Errorf("failed to find stream for %s: %w", subject, err)
	}

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, opts.DurableName)
	if err == nil {
		return consumer, checkBinding(consumer.CachedInfo(), subject, opts)
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("failed to look up consumer %s: %w", opts.DurableName, err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       opts.DurableName,
		Description:   "queue group " + opts.QueueGroup,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		Metadata:      map[string]string{MetadataQueueGroup: opts.QueueGroup},
	}
	if opts.DeliverNew {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = -1
	}

	consumer, err = stream.CreateConsumer(ctx, cfg)
	if errors.Is(err, jetstream.ErrConsumerExists) {
		// created concurrently with a different config
		consumer, err = stream.Consumer(ctx, opts.DurableName)
		if err == nil {
			return consumer, checkBinding(consumer.CachedInfo(), subject, opts)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", opts.DurableName, err)
	}

	s.logger.Info("Durable consumer created",
		logger.String("stream", streamName),
		logger.String("durable", opts.DurableName),
		logger.String("subject", subject),
		logger.String("queue_group", opts.QueueGroup),
	)
	return consumer, nil
}

func checkBinding(info *jetstream.ConsumerInfo, subject string, opts Options) error {
	if info == nil {
		return nil
	}
	filter := info.Config.FilterSubject
	if filter == "" && len(info.Config.FilterSubjects) == 1 {
		filter = info.Config.FilterSubjects[0]
	}
	if filter != subject {
		return fmt.Errorf("%w: %s is bound to subject %q, not %q",
			ErrDurableMismatch, opts.DurableName, filter, subject)
	}
	if group := info.Config.Metadata[MetadataQueueGroup]; group != opts.QueueGroup {
		return fmt.Errorf("%w: %s is bound to queue group %q, not %q",
			ErrDurableMismatch, opts.DurableName, group, opts.QueueGroup)
	}
	return nil
}

// receive is called serially by the consume loop. Blocking on the semaphore
// stops further fetching once MaxConcurrency handlers are busy.
func (sub *Subscription) receive(msg jetstream.Msg) {
	if sub.opts.MaxConcurrency == 1 {
		sub.inflight.Add(1)
		sub.process(msg)
		return
	}

	select {
	case sub.sem <- struct{}{}:
	case <-sub.ctx.Done():
		return
	}
	sub.inflight.Add(1)
	go func() {
		defer func() { <-sub.sem }()
		sub.process(msg)
	}()
}

func (sub *Subscription) process(msg jetstream.Msg) {
	defer sub.inflight.Done()
	start := time.Now()

	md := Metadata{Subject: msg.Subject(), Headers: msg.Headers()}
	if meta, err := msg.Metadata(); err == nil {
		md.Stream = meta.Stream
		md.Consumer = meta.Consumer
		md.StreamSequence = meta.Sequence.Stream
		md.ConsumerSequence = meta.Sequence.Consumer
		md.NumDelivered = meta.NumDelivered
		md.NumPending = meta.NumPending
		md.Timestamp = meta.Timestamp
	}

	ctx := tracing.Extract(sub.ctx, msg.Headers())
	ctx, span := sub.owner.tracer.Start(ctx, "process "+msg.Subject(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject()),
			attribute.String("messaging.consumer.group.name", sub.opts.QueueGroup),
		),
	)
	defer span.End()

	env, err := sub.owner.codec.Unmarshal(ctx, msg.Data())
	if err != nil {
		if errors.Is(err, event.ErrPayloadUnavailable) {
			sub.logger.Warn("Offloaded payload unavailable, requesting redelivery",
				logger.Uint64("stream_seq", md.StreamSequence),
				logger.Error(err),
			)
			sub.settle(msg, nakDisposition, start)
			return
		}
		sub.logger.Error("Dropping undecodable message",
			logger.Uint64("stream_seq", md.StreamSequence),
			logger.Error(err),
		)
		span.SetStatus(codes.Error, err.Error())
		sub.settle(msg, termDisposition, start)
		return
	}

	if sub.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sub.opts.HandlerTimeout)
		defer cancel()
	}

	err = sub.invoke(ctx, env, md)
	switch {
	case err == nil:
		sub.settle(msg, ackDisposition, start)
	case IsPermanent(err):
		span.SetStatus(codes.Error, err.Error())
		sub.logger.Error("Handler failed permanently, terminating message",
			logger.String("event_id", env.ID),
			logger.Uint64("delivery", md.NumDelivered),
			logger.Error(err),
		)
		sub.settle(msg, termDisposition, start)
	default:
		span.SetStatus(codes.Error, err.Error())
		sub.logger.Warn("Handler failed, requesting redelivery",
			logger.String("event_id", env.ID),
			logger.Uint64("delivery", md.NumDelivered),
			logger.Error(err),
		)
		sub.settle(msg, nakDisposition, start)
	}
}

func (sub *Subscription) invoke(ctx context.Context, env *event.Envelope, md Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sub.logger.Error("Handler panicked",
				logger.String("event_id", env.ID),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, env, md)
}

type disposition string

const (
	ackDisposition  disposition = "ack"
	nakDisposition  disposition = "nak"
	termDisposition disposition = "term"
)

func (sub *Subscription) settle(msg jetstream.Msg, d disposition, start time.Time) {
	var err error
	switch d {
	case ackDisposition:
		err = msg.Ack()
	case termDisposition:
		err = msg.Term()
	case nakDisposition:
		if sub.opts.NakDelay > 0 {
			err = msg.NakWithDelay(sub.opts.NakDelay)
		} else {
			err = msg.Nak()
		}
	}
	if err != nil {
		sub.logger.Warn("Failed to settle message",
			logger.String("disposition", string(d)),
			logger.Error(err),
		)
	}
	sub.owner.metrics.Handled(sub.opts.DurableName, string(d), time.Since(start))
}

// Subject returns the filter subject
func (sub *Subscription) Subject() string {
	return sub.subject
}

// DurableName returns the consumer name
func (sub *Subscription) DurableName() string {
	return sub.opts.DurableName
}

// QueueGroup returns the queue group
func (sub *Subscription) QueueGroup() string {
	return sub.opts.QueueGroup
}

// Info returns the current consumer state from the broker
func (sub *Subscription) Info(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	return sub.consumer.Info(ctx)
}

// Drain stops fetching and waits for in-flight handlers to finish and settle
// their messages. When ctx ends first, handler contexts are canceled and the
// ctx error is returned. Unsettled messages are redelivered after AckWait.
func (sub *Subscription) Drain(ctx context.Context) error {
	sub.owner.forget(sub)
	sub.cc.Drain()

	done := make(chan struct{})
	go func() {
		<-sub.cc.Closed()
		sub.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		sub.cancel()
		sub.logger.Info("Subscription drained")
		return nil
	case <-ctx.Done():
		sub.cancel()
		sub.cc.Stop()
		return fmt.Errorf("drain of %s interrupted: %w", sub.opts.DurableName, ctx.Err())
	}
}

// Stop stops fetching immediately and cancels handler contexts without
// waiting. The durable consumer stays on the broker.
func (sub *Subscription) Stop() {
	sub.stopOnce.Do(func() {
		sub.owner.forget(sub)
		sub.cancel()
		if sub.cc != nil {
			sub.cc.Stop()
		}
		sub.logger.Info("Subscription stopped")
	})
}

func (s *Subscriber) forget(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Close drains every subscription and rejects later Subscribe calls
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			errs[i] = sub.Drain(ctx)
		}(i, sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

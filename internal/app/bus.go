package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/correlation"
	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/publisher"
	"github.com/moroshma/eventrelay/internal/repository/minio"
	"github.com/moroshma/eventrelay/internal/subscriber"
	"github.com/moroshma/eventrelay/internal/topology"
	"github.com/moroshma/eventrelay/pkg/logger"
)

const payloadSetupTimeout = 30 * time.Second

var (
	ErrAlreadyStarted = errors.New("bus already started")
	ErrClosed         = errors.New("bus closed")
)

// PayloadStore keeps offloaded payload bodies and owns their expiry
type PayloadStore interface {
	event.PayloadStore
	EnsureBucket(ctx context.Context) error
	SetupLifecycle(ctx context.Context, retentions []minio.Retention) error
}

// Options wires a Bus together
type Options struct {
	Broker  broker.Config
	Streams []topology.StreamDefinition

	// Subjects that must each be captured by exactly one stream. Nil checks
	// the event catalogue.
	Subjects []string

	Source             string
	PublishTimeout     time.Duration
	CorrelationTimeout time.Duration

	// Zero fields of Subscribe options are taken from here
	SubscriberDefaults subscriber.Options

	Payloads         PayloadStore
	OffloadThreshold int

	Metrics *metrics.Recorder
}

// Bus is the entry point for collaborators: publish events, wait for
// correlated replies and run durable subscribers over one broker connection.
type Bus struct {
	opts   Options
	logger *logger.Logger

	manager     *broker.Manager
	provisioner *topology.Provisioner
	publisher   *publisher.Publisher
	waiter      *correlation.Waiter
	subscriber  *subscriber.Subscriber

	mu              sync.Mutex
	started         bool
	closed          bool
	stopReprovision func()
}

// New builds every component. Nothing touches the network until Start.
func New(opts Options, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Subjects == nil {
		for _, s := range event.Subjects() {
			opts.Subjects = append(opts.Subjects, s.String())
		}
	}

	var codec *event.Codec
	if opts.Payloads != nil {
		codec = event.NewCodec(opts.Payloads, opts.OffloadThreshold)
	}

	manager := broker.NewManager(opts.Broker, log, broker.WithMetrics(opts.Metrics))

	return &Bus{
		opts:        opts,
		logger:      log.Component("bus"),
		manager:     manager,
		provisioner: topology.NewProvisioner(manager, log, topology.WithMetrics(opts.Metrics)),
		publisher: publisher.New(manager, codec, log, publisher.Config{
			Source:  opts.Source,
			Timeout: opts.PublishTimeout,
			Metrics: opts.Metrics,
		}),
		waiter: correlation.NewWaiter(manager, codec, log,
			correlation.WithMetrics(opts.Metrics),
			correlation.WithDefaultTimeout(opts.CorrelationTimeout),
		),
		subscriber: subscriber.New(manager, codec, log, subscriber.WithMetrics(opts.Metrics)),
	}
}

// Start connects to the broker and provisions the streams. Only a failed
// connection in required mode is returned; topology problems are logged and
// retried on every reconnect.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}

	if err := topology.Validate(b.opts.Streams, b.opts.Subjects); err != nil {
		b.logger.Error("Stream topology is inconsistent", logger.Error(err))
	}

	if err := b.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	b.started = true

	if b.manager.IsConnected() {
		if err := b.provisioner.EnsureAll(ctx, b.opts.Streams); err != nil {
			b.logger.Warn("Not every stream could be provisioned, will retry after reconnect", logger.Error(err))
		}
	} else {
		b.logger.Warn("Broker unavailable, running degraded",
			logger.String("mode", string(b.manager.Mode())),
			logger.Error(b.manager.LastError()),
		)
	}
	b.stopReprovision = b.provisioner.ReprovisionOnReconnect(b.manager, b.opts.Streams)

	if b.opts.Payloads != nil {
		b.setupPayloads(ctx)
	}

	b.logger.Info("Event bus started",
		logger.Bool("connected", b.manager.IsConnected()),
		logger.Int("streams", len(b.opts.Streams)),
	)
	return nil
}

func (b *Bus) setupPayloads(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, payloadSetupTimeout)
	defer cancel()

	if err := b.opts.Payloads.EnsureBucket(ctx); err != nil {
		b.logger.Warn("Payload bucket unavailable, large publishes will fail", logger.Error(err))
		return
	}
	if err := b.opts.Payloads.SetupLifecycle(ctx, Retentions(b.opts.Streams)); err != nil {
		b.logger.Warn("Failed to set payload expiry", logger.Error(err))
	}
}

// Publish stores an event and waits for the broker acknowledgement
func (b *Bus) Publish(ctx context.Context, subject string, payload any, opts ...publisher.Option) publisher.Result {
	return b.publisher.Publish(ctx, subject, payload, opts...)
}

// Expect registers a correlation before the triggering event is published
func (b *Bus) Expect(subject string, pred correlation.Predicate) (*correlation.Pending, error) {
	return b.waiter.Expect(subject, pred)
}

// WaitFor blocks until an event on subject satisfies pred
func (b *Bus) WaitFor(ctx context.Context, subject string, pred correlation.Predicate, timeout time.Duration) (*event.Envelope, error) {
	return b.waiter.WaitFor(ctx, subject, pred, timeout)
}

// Subscribe runs handler on a durable consumer of subject
func (b *Bus) Subscribe(ctx context.Context, subject string, handler subscriber.Handler, opts subscriber.Options) (*subscriber.Subscription, error) {
	return b.subscriber.Subscribe(ctx, subject, handler, b.withDefaults(opts))
}

func (b *Bus) withDefaults(opts subscriber.Options) subscriber.Options {
	d := b.opts.SubscriberDefaults
	if opts.AckWait == 0 {
		opts.AckWait = d.AckWait
	}
	if opts.MaxDeliver == 0 {
		opts.MaxDeliver = d.MaxDeliver
	}
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = d.MaxConcurrency
	}
	if opts.NakDelay == 0 {
		opts.NakDelay = d.NakDelay
	}
	if opts.HandlerTimeout == 0 {
		opts.HandlerTimeout = d.HandlerTimeout
	}
	return opts
}

func (b *Bus) IsConnected() bool {
	return b.manager.IsConnected()
}

// HealthStatus reports broker connectivity
func (b *Bus) HealthStatus() broker.Health {
	return b.manager.Health()
}

// Manager exposes the connection manager, e.g. for health reporting
func (b *Bus) Manager() *broker.Manager {
	return b.manager
}

// Close drains subscriptions, fails pending correlations and then drains
// the broker connection.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	stop := b.stopReprovision
	b.stopReprovision = nil
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.subscriber.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain subscriptions: %w", err))
	}
	if stop != nil {
		stop()
	}
	b.waiter.Close()
	if err := b.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker connection: %w", err))
	}

	b.logger.Info("Event bus stopped")
	return errors.Join(errs...)
}

// Retentions maps every stream pattern to the object prefix its offloaded
// payloads live under, expiring with the stream's max age.
func Retentions(defs []topology.StreamDefinition) []minio.Retention {
	var out []minio.Retention
	for _, def := range defs {
		if def.MaxAge <= 0 {
			continue
		}
		for i, pattern := range def.Subjects {
			out = append(out, minio.Retention{
				ID:     fmt.Sprintf("%s-%d", def.Name, i),
				Prefix: minio.SubjectPrefix(pattern),
				MaxAge: def.MaxAge,
			})
		}
	}
	return out
}

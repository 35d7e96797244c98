package topology

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// Outcome is the result of provisioning one stream.
type Outcome string

const (
	OutcomeExists  Outcome = "exists"
	OutcomeCreated Outcome = "created"
	OutcomeFailed  Outcome = "failed"
)

const reprovisionTimeout = 30 * time.Second

// JetStreamProvider hands out the JetStream context of the live connection
type JetStreamProvider interface {
	JetStream() (jetstream.JetStream, error)
}

// StatusSource emits broker state transitions
type StatusSource interface {
	Watch(buffer int) (<-chan broker.StatusChange, func())
}

// Option configures a Provisioner
type Option func(*Provisioner)

// WithMetrics records provisioning outcomes on r
func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Provisioner) {
		p.metrics = r
	}
}

// Provisioner makes sure the configured streams exist. It never rewrites a
// stream that is already present.
type Provisioner struct {
	js      JetStreamProvider
	logger  *logger.Logger
	metrics *metrics.Recorder
}

// NewProvisioner creates a provisioner
func NewProvisioner(js JetStreamProvider, log *logger.Logger, opts ...Option) *Provisioner {
	if log == nil {
		log = logger.NewNop()
	}
	p := &Provisioner{
		js:     js,
		logger: log.Component("topology"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureStream creates def when no stream of that name exists
func (p *Provisioner) EnsureStream(ctx context.Context, def StreamDefinition) (Outcome, error) {
	outcome, err := p.ensureStream(ctx, def)
	p.metrics.Provisioned(def.Name, string(outcome))
	return outcome, err
}

func (p *Provisioner) ensureStream(ctx context.Context, def StreamDefinition) (Outcome, error) {
	if err := def.Validate(); err != nil {
		return OutcomeFailed, err
	}

	js, err := p.js.JetStream()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to provision stream %s: %w", def.Name, err)
	}

	stream, err := js.Stream(ctx, def.Name)
	switch {
	case err == nil:
		p.reportDrift(stream.CachedInfo().Config, def)
		return OutcomeExists, nil
	case errors.Is(err, jetstream.ErrStreamNotFound):
	default:
		return OutcomeFailed, fmt.Errorf("failed to look up stream %s: %w", def.Name, err)
	}

	_, err = js.CreateStream(ctx, def.StreamConfig())
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		// created concurrently by another process
		return OutcomeExists, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to create stream %s: %w", def.Name, err)
	}

	p.logger.Info("Stream created",
		logger.String("stream", def.Name),
		logger.Strings("subjects", def.Subjects),
		logger.Duration("max_age", def.MaxAge),
		logger.Int64("max_msgs", def.MaxMsgs),
		logger.Duration("dedup_window", def.DedupWindow),
	)
	return OutcomeCreated, nil
}

func (p *Provisioner) reportDrift(current jetstream.StreamConfig, def StreamDefinition) {
	want := def.StreamConfig()

	have := slices.Clone(current.Subjects)
	expected := slices.Clone(want.Subjects)
	slices.Sort(have)
	slices.Sort(expected)

	var drift []string
	if !slices.Equal(have, expected) {
		drift = append(drift, "subjects")
	}
	if current.MaxAge != want.MaxAge {
		drift = append(drift, "max_age")
	}
	if current.MaxMsgs != want.MaxMsgs {
		drift = append(drift, "max_msgs")
	}
	if current.Duplicates != want.Duplicates && want.Duplicates != 0 {
		drift = append(drift, "dedup_window")
	}
	if current.Discard != want.Discard {
		drift = append(drift, "discard")
	}

	if len(drift) == 0 {
		return
	}
	p.logger.Warn("Existing stream differs from its definition, leaving it unchanged",
		logger.String("stream", def.Name),
		logger.Strings("fields", drift),
		logger.Strings("subjects", current.Subjects),
		logger.Strings("wanted_subjects", def.Subjects),
	)
}

// EnsureAll provisions every definition and returns the joined failures.
// One failing stream does not stop the others.
func (p *Provisioner) EnsureAll(ctx context.Context, defs []StreamDefinition) error {
	var errs []error
	for _, def := range defs {
		outcome, err := p.EnsureStream(ctx, def)
		if err != nil {
			p.logger.Error("Stream provisioning failed",
				logger.String("stream", def.Name),
				logger.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		p.logger.Debug("Stream provisioned",
			logger.String("stream", def.Name),
			logger.String("outcome", string(outcome)),
		)
	}
	return errors.Join(errs...)
}

// ReprovisionOnReconnect runs EnsureAll whenever source reports Connected.
// The returned function stops watching and waits for a running pass.
func (p *Provisioner) ReprovisionOnReconnect(source StatusSource, defs []StreamDefinition) (cancel func()) {
	changes, stopWatch := source.Watch(16)
	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.To != broker.Connected {
					continue
				}
				p.logger.Info("Broker connected, re-checking streams")
				ctx, done := context.WithTimeout(context.Background(), reprovisionTimeout)
				_ = p.EnsureAll(ctx, defs)
				done()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			stopWatch()
			wg.Wait()
		})
	}
}

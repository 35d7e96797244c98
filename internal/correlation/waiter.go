package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/pkg/logger"
)

var (
	ErrTimeout        = errors.New("correlation timed out")
	ErrConnectionLost = errors.New("broker connection lost while waiting")
	ErrCanceled       = errors.New("correlation canceled")
	ErrClosed         = errors.New("correlation waiter closed")
)

const (
	DefaultTimeout      = 30 * time.Second
	defaultFlushTimeout = 5 * time.Second
)

// ConnProvider hands out the live broker connection
type ConnProvider interface {
	Conn() (*nats.Conn, error)
}

// StatusSource reports broker state transitions
type StatusSource interface {
	OnStatusChange(fn func(broker.StatusChange)) (cancel func())
}

// Option configures a Waiter
type Option func(*Waiter)

// WithMetrics records waits on r
func WithMetrics(r *metrics.Recorder) Option {
	return func(w *Waiter) {
		w.metrics = r
	}
}

// WithDefaultTimeout is used by Wait calls without a positive timeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.defaultTimeout = d
		}
	}
}

// WithFlushTimeout bounds the round trip that confirms a new subscription
func WithFlushTimeout(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.flushTimeout = d
		}
	}
}

type subjectSub struct {
	sub      *nats.Subscription
	pendings map[string]*Pending
}

// Waiter resolves pending correlations with events observed on transient
// core subscriptions. It eventually observes a published event; it does not
// guarantee a reply to a specific request.
type Waiter struct {
	conn    ConnProvider
	codec   *event.Codec
	logger  *logger.Logger
	metrics *metrics.Recorder

	defaultTimeout time.Duration
	flushTimeout   time.Duration

	mu         sync.Mutex
	subs       map[string]*subjectSub
	closed     bool
	stopStatus func()
}

// Pending is one registered correlation
type Pending struct {
	id        string
	subject   string
	predicate Predicate
	waiter    *Waiter
	ss        *subjectSub

	done chan struct{}
	env  *event.Envelope
	err  error
}

// NewWaiter creates a waiter. When conn also implements StatusSource,
// pending correlations fail with ErrConnectionLost as soon as the link drops.
func NewWaiter(conn ConnProvider, codec *event.Codec, log *logger.Logger, opts ...Option) *Waiter {
	if log == nil {
		log = logger.NewNop()
	}
	w := &Waiter{
		conn:           conn,
		codec:          codec,
		logger:         log.Component("correlation"),
		defaultTimeout: DefaultTimeout,
		flushTimeout:   defaultFlushTimeout,
		subs:           make(map[string]*subjectSub),
	}
	for _, opt := range opts {
		opt(w)
	}

	if source, ok := conn.(StatusSource); ok {
		w.stopStatus = source.OnStatusChange(func(change broker.StatusChange) {
			if change.To == broker.Disconnected || change.To == broker.Closed {
				w.failAll(ErrConnectionLost, "connection_lost")
			}
		})
	}
	return w
}

// ID returns the unique id of the pending correlation
func (p *Pending) ID() string {
	return p.id
}

// Subject returns the subject the correlation listens on
func (p *Pending) Subject() string {
	return p.subject
}

// Expect registers interest in the first event on subject that satisfies
// pred. Events published after Expect returns are observed. A nil pred
// matches any event.
func (w *Waiter) Expect(subject string, pred Predicate) (*Pending, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if pred == nil {
		pred = func(*event.Envelope) bool { return true }
	}

	p := &Pending{
		id:        uuid.NewString(),
		subject:   subject,
		predicate: pred,
		waiter:    w,
		done:      make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}

	nc, err := w.conn.Conn()
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}

	ss, ok := w.subs[subject]
	if !ok {
		ss = &subjectSub{pendings: make(map[string]*Pending)}
		sub, err := nc.Subscribe(subject, w.dispatch(ss))
		if err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		ss.sub = sub
		w.subs[subject] = ss
	}
	p.ss = ss
	ss.pendings[p.id] = p
	w.mu.Unlock()

	w.metrics.CorrelationStarted()

	if err := nc.FlushTimeout(w.flushTimeout); err != nil {
		ferr := fmt.Errorf("failed to confirm subscription to %s: %w", subject, err)
		if w.finish(p, nil, ferr, "error") {
			return nil, ferr
		}
		// resolved in the meantime, Wait reports how
		return p, nil
	}

	w.logger.Debug("Correlation registered",
		logger.String("id", p.id),
		logger.String("subject", subject),
	)
	return p, nil
}

// Wait blocks until a matching event arrives, the timeout passes, the
// connection drops or ctx is done. Calling Wait again returns the same
// result.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (*event.Envelope, error) {
	if timeout <= 0 {
		timeout = p.waiter.defaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.waiter.finish(p, nil, ErrTimeout, "timeout")
	case <-ctx.Done():
		p.waiter.finish(p, nil, ctx.Err(), "canceled")
	}

	<-p.done
	return p.env, p.err
}

// Cancel deregisters the correlation. A later Wait returns ErrCanceled
// unless an event matched first.
func (p *Pending) Cancel() {
	p.waiter.finish(p, nil, ErrCanceled, "canceled")
}

// WaitFor registers and waits in one call
func (w *Waiter) WaitFor(ctx context.Context, subject string, pred Predicate, timeout time.Duration) (*event.Envelope, error) {
	p, err := w.Expect(subject, pred)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx, timeout)
}

// Pending returns the number of registered correlations
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, ss := range w.subs {
		n += len(ss.pendings)
	}
	return n
}

// Close fails every pending correlation with ErrClosed and drops the
// subscriptions. Later Expect calls return ErrClosed.
func (w *Waiter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	stop := w.stopStatus
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
	w.failAll(ErrClosed, "closed")
}

func (w *Waiter) dispatch(ss *subjectSub) nats.MsgHandler {
	return func(msg *nats.Msg) {
		env, err := w.codec.Unmarshal(context.Background(), msg.Data)
		if err != nil {
			w.logger.Debug("Ignoring undecodable message",
				logger.String("subject", msg.Subject),
				logger.Error(err),
			)
			return
		}

		w.mu.Lock()
		candidates := make([]*Pending, 0, len(ss.pendings))
		for _, p := range ss.pendings {
			candidates = append(candidates, p)
		}
		w.mu.Unlock()

		for _, p := range candidates {
			if w.matches(p, env) {
				w.finish(p, env, nil, "matched")
			}
		}
	}
}

func (w *Waiter) matches(p *Pending, env *event.Envelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Correlation predicate panicked",
				logger.String("id", p.id),
				logger.Any("panic", r),
			)
			ok = false
		}
	}()
	return p.predicate(env)
}

// finish resolves p once. Removal from the registry decides which of a
// match, a timeout or a cancellation wins.
func (w *Waiter) finish(p *Pending, env *event.Envelope, err error, outcome string) bool {
	w.mu.Lock()
	ss := p.ss
	if ss == nil {
		w.mu.Unlock()
		return false
	}
	if _, registered := ss.pendings[p.id]; !registered {
		w.mu.Unlock()
		return false
	}

	delete(ss.pendings, p.id)
	var unsub *nats.Subscription
	if len(ss.pendings) == 0 {
		if w.subs[p.subject] == ss {
			delete(w.subs, p.subject)
		}
		unsub = ss.sub
	}
	p.env = env
	p.err = err
	close(p.done)
	w.mu.Unlock()

	if unsub != nil {
		if uerr := unsub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			w.logger.Debug("Failed to drop correlation subscription",
				logger.String("subject", p.subject),
				logger.Error(uerr),
			)
		}
	}

	w.metrics.CorrelationFinished(p.subject, outcome)
	w.logger.Debug("Correlation finished",
		logger.String("id", p.id),
		logger.String("subject", p.subject),
		logger.String("outcome", outcome),
	)
	return true
}

func (w *Waiter) failAll(err error, outcome string) {
	w.mu.Lock()
	var all []*Pending
	for _, ss := range w.subs {
		for _, p := range ss.pendings {
			all = append(all, p)
		}
	}
	w.mu.Unlock()

	if len(all) > 0 {
		w.logger.Warn("Failing pending correlations",
			logger.Int("count", len(all)),
			logger.Error(err),
		)
	}
	for _, p := range all {
		w.finish(p, nil, err, outcome)
	}
}

package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/publisher"
	"github.com/moroshma/eventrelay/internal/testutil/natstest"
	"github.com/moroshma/eventrelay/internal/testutil/promtest"
	"github.com/moroshma/eventrelay/internal/topology"
	"github.com/moroshma/eventrelay/pkg/logger"
)

const waitTimeout = 10 * time.Second

type fixture struct {
	srv       *natstest.Server
	manager   *broker.Manager
	publisher *publisher.Publisher
}

func connect(t *testing.T, srv *natstest.Server) *broker.Manager {
	t.Helper()
	m := broker.NewManager(broker.Config{URLs: []string{srv.URL()}}, logger.NewNop())
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func setup(t *testing.T) *fixture {
	t.Helper()
	srv := natstest.Run(t)
	m := connect(t, srv)

	_, err := topology.NewProvisioner(m, logger.NewNop()).EnsureStream(context.Background(), topology.StreamDefinition{
		Name:     "EVENTS",
		Subjects: []string{"job.*", "resume.*", "analysis.*"},
		Storage:  topology.MemoryStorage,
	})
	require.NoError(t, err)

	return &fixture{
		srv:       srv,
		manager:   m,
		publisher: publisher.New(m, nil, logger.NewNop(), publisher.Config{}),
	}
}

func (f *fixture) publishResume(t *testing.T, id string) {
	t.Helper()
	res := f.publisher.Publish(context.Background(), event.SubjectResumeSubmitted.String(), event.ResumeSubmitted{ResumeID: id, JobID: "J1"})
	require.True(t, res.Success, res.Error)
}

func newSubscriber(t *testing.T, js JetStreamProvider, opts ...Option) *Subscriber {
	t.Helper()
	s := New(js, nil, logger.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func resumeID(t *testing.T, env *event.Envelope) string {
	var p event.ResumeSubmitted
	require.NoError(t, env.Bind(&p))
	return p.ResumeID
}

type recorder struct {
	mu   sync.Mutex
	seen map[string]int
	ch   chan string
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[string]int), ch: make(chan string, 1024)}
}

func (r *recorder) handler(t *testing.T) Handler {
	return func(ctx context.Context, env *event.Envelope, md Metadata) error {
		id := resumeID(t, env)
		r.mu.Lock()
		r.seen[id]++
		r.mu.Unlock()
		r.ch <- id
		return nil
	}
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.seen {
		n += c
	}
	return n
}

func TestSubscribe_DeliversAndAcks(t *testing.T) {
	f := setup(t)
	rec := metrics.New()
	s := newSubscriber(t, f.manager, WithMetrics(rec))

	var got Metadata
	received := make(chan *event.Envelope, 1)
	sub, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		got = md
		received <- env
		return nil
	}, Options{DurableName: "screening", QueueGroup: "screening"})
	require.NoError(t, err)
	assert.Equal(t, "resume.submitted", sub.Subject())
	assert.Equal(t, "screening", sub.DurableName())
	assert.Equal(t, "screening", sub.QueueGroup())

	f.publishResume(t, "R1")

	select {
	case env := <-received:
		assert.Equal(t, "R1-submitted", env.ID)
	case <-time.After(waitTimeout):
		t.Fatal("no delivery")
	}

	assert.Equal(t, "EVENTS", got.Stream)
	assert.Equal(t, "screening", got.Consumer)
	assert.Equal(t, uint64(1), got.StreamSequence)
	assert.Equal(t, uint64(1), got.NumDelivered)
	assert.Equal(t, "resume.submitted.v1", got.Headers.Get(publisher.HeaderEventType))

	require.Eventually(t, func() bool {
		info, err := sub.Info(context.Background())
		return err == nil && info.NumAckPending == 0 && info.AckFloor.Stream == 1
	}, waitTimeout, 20*time.Millisecond)

	info, err := sub.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "screening", info.Config.Metadata[MetadataQueueGroup])
	assert.Equal(t, jetstream.AckExplicitPolicy, info.Config.AckPolicy)

	assert.Equal(t, 1.0, promtest.Value(t, rec.Registry(), "eventrelay_subscriber_messages_total",
		map[string]string{"durable": "screening", "disposition": "ack"}))
}

func TestSubscribe_QueueGroupLoadBalancing(t *testing.T) {
	f := setup(t)
	other := connect(t, f.srv)

	opts := Options{DurableName: "screening", QueueGroup: "screening", MaxConcurrency: 1}
	first, second := newRecorder(), newRecorder()

	slow := func(r *recorder) Handler {
		inner := r.handler(t)
		return func(ctx context.Context, env *event.Envelope, md Metadata) error {
			time.Sleep(10 * time.Millisecond)
			return inner(ctx, env, md)
		}
	}

	_, err := newSubscriber(t, f.manager).Subscribe(context.Background(), "resume.submitted", slow(first), opts)
	require.NoError(t, err)
	_, err = newSubscriber(t, other).Subscribe(context.Background(), "resume.submitted", slow(second), opts)
	require.NoError(t, err)

	const n = 40
	for i := 0; i < n; i++ {
		f.publishResume(t, fmt.Sprintf("R%d", i))
	}

	require.Eventually(t, func() bool {
		return first.total()+second.total() >= n
	}, waitTimeout, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, n, first.total()+second.total())
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("R%d", i)
		assert.Equal(t, 1, first.count(id)+second.count(id), "message %s must be handled exactly once", id)
	}
	assert.Positive(t, first.total())
	assert.Positive(t, second.total())
}

func TestSubscribe_FanOutAcrossGroups(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	screening, audit := newRecorder(), newRecorder()
	_, err := s.Subscribe(context.Background(), "resume.submitted", screening.handler(t),
		Options{DurableName: "screening", QueueGroup: "screening"})
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "resume.submitted", audit.handler(t),
		Options{DurableName: "audit", QueueGroup: "audit", MaxConcurrency: 4})
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		f.publishResume(t, fmt.Sprintf("R%d", i))
	}

	require.Eventually(t, func() bool {
		return screening.total() == n && audit.total() == n
	}, waitTimeout, 20*time.Millisecond)
}

func TestSubscribe_NakCausesRedelivery(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	var attempts atomic.Int32
	done := make(chan Metadata, 1)
	_, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		if attempts.Add(1) == 1 {
			return errors.New("scoring service unavailable")
		}
		done <- md
		return nil
	}, Options{DurableName: "screening", QueueGroup: "screening", NakDelay: 50 * time.Millisecond})
	require.NoError(t, err)

	f.publishResume(t, "R1")

	select {
	case md := <-done:
		assert.Equal(t, uint64(2), md.NumDelivered)
	case <-time.After(waitTimeout):
		t.Fatal("message was not redelivered")
	}
}

func TestSubscribe_PanicIsRecoveredAndRedelivered(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	var attempts atomic.Int32
	done := make(chan struct{})
	_, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		if attempts.Add(1) == 1 {
			panic("nil map")
		}
		close(done)
		return nil
	}, Options{DurableName: "screening", QueueGroup: "screening"})
	require.NoError(t, err)

	f.publishResume(t, "R1")

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("message was not redelivered after panic")
	}
}

func TestSubscribe_PermanentErrorTerminates(t *testing.T) {
	f := setup(t)
	rec := metrics.New()
	s := newSubscriber(t, f.manager, WithMetrics(rec))

	var attempts atomic.Int32
	sub, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		attempts.Add(1)
		return Permanent(errors.New("resume references unknown job"))
	}, Options{DurableName: "screening", QueueGroup: "screening", AckWait: time.Second})
	require.NoError(t, err)

	f.publishResume(t, "R1")

	require.Eventually(t, func() bool {
		return promtest.Value(t, rec.Registry(), "eventrelay_subscriber_messages_total",
			map[string]string{"disposition": "term"}) == 1
	}, waitTimeout, 20*time.Millisecond)

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())

	info, err := sub.Info(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.NumAckPending)
	assert.Zero(t, info.NumRedelivered)
}

func TestSubscribe_UndecodableMessageIsTerminated(t *testing.T) {
	f := setup(t)
	rec := metrics.New()
	s := newSubscriber(t, f.manager, WithMetrics(rec))
	r := newRecorder()

	_, err := s.Subscribe(context.Background(), "resume.submitted", r.handler(t),
		Options{DurableName: "screening", QueueGroup: "screening"})
	require.NoError(t, err)

	js, err := f.manager.JetStream()
	require.NoError(t, err)
	_, err = js.Publish(context.Background(), "resume.submitted", []byte("garbage"))
	require.NoError(t, err)
	f.publishResume(t, "R1")

	select {
	case id := <-r.ch:
		assert.Equal(t, "R1", id)
	case <-time.After(waitTimeout):
		t.Fatal("valid message not delivered")
	}
	assert.Equal(t, 1, r.total())
	assert.Equal(t, 1.0, promtest.Value(t, rec.Registry(), "eventrelay_subscriber_messages_total",
		map[string]string{"disposition": "term"}))
}

func TestSubscribe_SerialPreservesOrder(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	var mu sync.Mutex
	var seqs []uint64
	_, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		mu.Lock()
		seqs = append(seqs, md.StreamSequence)
		mu.Unlock()
		return nil
	}, Options{DurableName: "ordered", QueueGroup: "ordered", MaxConcurrency: 1})
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		f.publishResume(t, fmt.Sprintf("R%d", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == n
	}, waitTimeout, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		assert.Less(t, seqs[i-1], seqs[i])
	}
}

func TestSubscribe_ConcurrencyLimit(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	var active, peak atomic.Int32
	var handled atomic.Int32
	_, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		now := active.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
		return nil
	}, Options{DurableName: "parallel", QueueGroup: "parallel", MaxConcurrency: 3})
	require.NoError(t, err)

	const n = 12
	for i := 0; i < n; i++ {
		f.publishResume(t, fmt.Sprintf("R%d", i))
	}

	require.Eventually(t, func() bool { return handled.Load() == n }, waitTimeout, 20*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestSubscribe_DeliverNew(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	f.publishResume(t, "old-1")
	f.publishResume(t, "old-2")

	r := newRecorder()
	_, err := s.Subscribe(context.Background(), "resume.submitted", r.handler(t),
		Options{DurableName: "tail", QueueGroup: "tail", DeliverNew: true})
	require.NoError(t, err)

	f.publishResume(t, "new-1")

	select {
	case id := <-r.ch:
		assert.Equal(t, "new-1", id)
	case <-time.After(waitTimeout):
		t.Fatal("new message not delivered")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.total())
}

func TestSubscribe_DurableRebindResumes(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)
	opts := Options{DurableName: "screening", QueueGroup: "screening"}

	first := newRecorder()
	sub, err := s.Subscribe(context.Background(), "resume.submitted", first.handler(t), opts)
	require.NoError(t, err)
	f.publishResume(t, "R1")
	<-first.ch
	require.Eventually(t, func() bool {
		info, err := sub.Info(context.Background())
		return err == nil && info.NumAckPending == 0
	}, waitTimeout, 20*time.Millisecond)
	require.NoError(t, sub.Drain(context.Background()))

	f.publishResume(t, "R2")

	second := newRecorder()
	_, err = s.Subscribe(context.Background(), "resume.submitted", second.handler(t), opts)
	require.NoError(t, err)

	select {
	case id := <-second.ch:
		assert.Equal(t, "R2", id)
	case <-time.After(waitTimeout):
		t.Fatal("durable did not resume")
	}
}

func TestSubscribe_DurableMismatch(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)
	noop := func(context.Context, *event.Envelope, Metadata) error { return nil }

	sub, err := s.Subscribe(context.Background(), "resume.submitted", noop,
		Options{DurableName: "screening", QueueGroup: "screening"})
	require.NoError(t, err)
	sub.Stop()

	_, err = s.Subscribe(context.Background(), "analysis.completed", noop,
		Options{DurableName: "screening", QueueGroup: "screening"})
	assert.ErrorIs(t, err, ErrDurableMismatch)

	_, err = s.Subscribe(context.Background(), "resume.submitted", noop,
		Options{DurableName: "screening", QueueGroup: "audit"})
	assert.ErrorIs(t, err, ErrDurableMismatch)
}

func TestSubscribe_Drain(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	started := make(chan struct{})
	release := make(chan struct{})
	sub, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		close(started)
		<-release
		return nil
	}, Options{DurableName: "screening", QueueGroup: "screening", MaxConcurrency: 2})
	require.NoError(t, err)

	f.publishResume(t, "R1")
	<-started

	drained := make(chan error, 1)
	go func() { drained <- sub.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned while a handler was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("drain did not finish")
	}

	require.Eventually(t, func() bool {
		info, err := sub.Info(context.Background())
		return err == nil && info.NumAckPending == 0
	}, waitTimeout, 20*time.Millisecond)
}

func TestSubscribe_DrainHonoursContext(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)

	started := make(chan struct{})
	sub, err := s.Subscribe(context.Background(), "resume.submitted", func(ctx context.Context, env *event.Envelope, md Metadata) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{DurableName: "screening", QueueGroup: "screening", MaxConcurrency: 2})
	require.NoError(t, err)

	f.publishResume(t, "R1")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = sub.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_Errors(t *testing.T) {
	f := setup(t)
	s := newSubscriber(t, f.manager)
	noop := func(context.Context, *event.Envelope, Metadata) error { return nil }
	valid := Options{DurableName: "screening", QueueGroup: "screening"}

	tests := []struct {
		name    string
		subject string
		handler Handler
		opts    Options
		want    error
	}{
		{"empty subject", "", noop, valid, ErrInvalidOptions},
		{"nil handler", "resume.submitted", nil, valid, ErrInvalidOptions},
		{"missing durable", "resume.submitted", noop, Options{QueueGroup: "g"}, ErrInvalidOptions},
		{"dotted durable", "resume.submitted", noop, Options{DurableName: "a.b", QueueGroup: "g"}, ErrInvalidOptions},
		{"missing group", "resume.submitted", noop, Options{DurableName: "d"}, ErrInvalidOptions},
		{"uncaptured subject", "billing.paid", noop, valid, ErrNoStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Subscribe(context.Background(), tt.subject, tt.handler, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubscribe_NotConnected(t *testing.T) {
	m := broker.NewManager(broker.Config{URLs: []string{"nats://127.0.0.1:1"}, Mode: broker.ModeOptional}, logger.NewNop())
	require.NoError(t, m.Connect(context.Background()))

	s := New(m, nil, logger.NewNop())
	_, err := s.Subscribe(context.Background(), "resume.submitted",
		func(context.Context, *event.Envelope, Metadata) error { return nil },
		Options{DurableName: "screening", QueueGroup: "screening"})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestSubscriber_Close(t *testing.T) {
	f := setup(t)
	s := New(f.manager, nil, logger.NewNop())
	noop := func(context.Context, *event.Envelope, Metadata) error { return nil }

	_, err := s.Subscribe(context.Background(), "resume.submitted", noop, Options{DurableName: "a", QueueGroup: "a"})
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "analysis.completed", noop, Options{DurableName: "b", QueueGroup: "b"})
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))

	_, err = s.Subscribe(context.Background(), "resume.submitted", noop, Options{DurableName: "a", QueueGroup: "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/internal/correlation"
	"github.com/moroshma/eventrelay/internal/event"
	"github.com/moroshma/eventrelay/internal/publisher"
	"github.com/moroshma/eventrelay/internal/repository/minio"
	"github.com/moroshma/eventrelay/internal/subscriber"
	"github.com/moroshma/eventrelay/internal/testutil/natstest"
	"github.com/moroshma/eventrelay/internal/topology"
	"github.com/moroshma/eventrelay/pkg/logger"
)

type mockPayloadStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	ensured    bool
	retentions []minio.Retention
}

func newMockPayloadStore() *mockPayloadStore {
	return &mockPayloadStore{objects: make(map[string][]byte)}
}

func (m *mockPayloadStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *mockPayloadStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, minio.ErrNotFound
	}
	return data, nil
}

func (m *mockPayloadStore) EnsureBucket(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = true
	return nil
}

func (m *mockPayloadStore) SetupLifecycle(_ context.Context, retentions []minio.Retention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retentions = retentions
	return nil
}

func jobStream() topology.StreamDefinition {
	return topology.StreamDefinition{
		Name:        "EVENTS",
		Subjects:    []string{"job.*"},
		MaxAge:      time.Hour,
		DedupWindow: time.Minute,
		Storage:     topology.MemoryStorage,
	}
}

func testOptions(urls ...string) Options {
	return Options{
		Broker: broker.Config{
			URLs:             urls,
			Name:             "bus-test",
			Mode:             broker.ModeRequired,
			ConnectTimeout:   time.Second,
			ConnectAttempts:  1,
			MaxReconnects:    -1,
			ReconnectWait:    20 * time.Millisecond,
			ReconnectMaxWait: 100 * time.Millisecond,
			DrainTimeout:     time.Second,
		},
		Streams:            []topology.StreamDefinition{jobStream()},
		Subjects:           []string{event.SubjectJobCreated.String(), event.SubjectJobSubmitted.String()},
		Source:             "bus-test",
		PublishTimeout:     2 * time.Second,
		CorrelationTimeout: 2 * time.Second,
		SubscriberDefaults: subscriber.Options{
			AckWait:        5 * time.Second,
			MaxConcurrency: 2,
		},
	}
}

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	b := New(opts, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func streamMessages(t *testing.T, b *Bus, name string) uint64 {
	t.Helper()
	js, err := b.Manager().JetStream()
	require.NoError(t, err)

	stream, err := js.Stream(context.Background(), name)
	require.NoError(t, err)
	info, err := stream.Info(context.Background())
	require.NoError(t, err)
	return info.State.Msgs
}

func TestBus_EndToEnd(t *testing.T) {
	srv := natstest.Run(t)
	b := newTestBus(t, testOptions(srv.URL()))
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	require.True(t, b.IsConnected())

	pending, err := b.Expect(event.SubjectJobCreated.String(), correlation.FieldEquals("jobId", "J1"))
	require.NoError(t, err)

	payload := event.JobCreated{JobID: "J1", Title: "Backend engineer"}
	first := b.Publish(ctx, event.SubjectJobCreated.String(), payload)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, "J1-created", first.DedupKey)
	assert.False(t, first.Duplicate)

	second := b.Publish(ctx, event.SubjectJobCreated.String(), payload)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.True(t, second.Duplicate)

	env, err := pending.Wait(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "J1-created", env.ID)

	var got event.JobCreated
	require.NoError(t, env.Bind(&got))
	assert.Equal(t, "J1", got.JobID)

	assert.Equal(t, uint64(1), streamMessages(t, b, "EVENTS"))
}

func TestBus_StartAgain(t *testing.T) {
	srv := natstest.Run(t)
	b := newTestBus(t, testOptions(srv.URL()))

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, b.Close(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrClosed)
}

func TestBus_StartRequiredUnreachable(t *testing.T) {
	b := newTestBus(t, testOptions("nats://127.0.0.1:1"))

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.False(t, b.IsConnected())
}

func TestBus_OptionalModeDegrades(t *testing.T) {
	opts := testOptions("nats://127.0.0.1:1")
	opts.Broker.Mode = broker.ModeOptional
	b := newTestBus(t, opts)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	assert.False(t, b.IsConnected())

	health := b.HealthStatus()
	assert.False(t, health.Connected)
	assert.Equal(t, broker.ModeOptional, health.Mode)
	assert.NotEmpty(t, health.LastError)

	res := b.Publish(ctx, event.SubjectJobCreated.String(), event.JobCreated{JobID: "J9"})
	assert.False(t, res.Success)
	assert.Equal(t, publisher.ReasonNotConnected, res.Reason)

	_, err := b.WaitFor(ctx, event.SubjectJobCreated.String(), nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrNotConnected)

	_, err = b.Subscribe(ctx, event.SubjectJobCreated.String(), func(context.Context, *event.Envelope, subscriber.Metadata) error {
		return nil
	}, subscriber.Options{DurableName: "degraded", QueueGroup: "degraded"})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestBus_SubscribeRoundTrip(t *testing.T) {
	srv := natstest.Run(t)
	b := newTestBus(t, testOptions(srv.URL()))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	received := make(chan *event.Envelope, 1)
	sub, err := b.Subscribe(ctx, event.SubjectJobSubmitted.String(), func(_ context.Context, env *event.Envelope, md subscriber.Metadata) error {
		received <- env
		return nil
	}, subscriber.Options{DurableName: "jobs-worker", QueueGroup: "workers"})
	require.NoError(t, err)
	assert.Equal(t, "workers", sub.QueueGroup())

	res := b.Publish(ctx, event.SubjectJobSubmitted.String(), event.JobSubmitted{JobID: "J2"})
	require.True(t, res.Success, res.Error)

	select {
	case env := <-received:
		assert.Equal(t, "J2-submitted", env.ID)
		assert.Equal(t, event.SubjectJobSubmitted.EventType(), env.Type)
		assert.Equal(t, "bus-test", env.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestBus_OffloadsLargePayloads(t *testing.T) {
	srv := natstest.Run(t)
	store := newMockPayloadStore()
	opts := testOptions(srv.URL())
	opts.Payloads = store
	opts.OffloadThreshold = 256
	b := newTestBus(t, opts)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	store.mu.Lock()
	assert.True(t, store.ensured)
	assert.Equal(t, []minio.Retention{{ID: "EVENTS-0", Prefix: "job.", MaxAge: time.Hour}}, store.retentions)
	store.mu.Unlock()

	received := make(chan event.JobSubmitted, 1)
	_, err := b.Subscribe(ctx, event.SubjectJobSubmitted.String(), func(_ context.Context, env *event.Envelope, _ subscriber.Metadata) error {
		var p event.JobSubmitted
		if err := env.Bind(&p); err != nil {
			return subscriber.Permanent(err)
		}
		received <- p
		return nil
	}, subscriber.Options{DurableName: "offload-reader", QueueGroup: "readers"})
	require.NoError(t, err)

	description := strings.Repeat("x", 1024)
	res := b.Publish(ctx, event.SubjectJobSubmitted.String(), event.JobSubmitted{JobID: "J3", Description: description})
	require.True(t, res.Success, res.Error)

	select {
	case p := <-received:
		assert.Equal(t, description, p.Description)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	store.mu.Lock()
	assert.Len(t, store.objects, 1)
	store.mu.Unlock()
}

func TestBus_ReprovisionsAfterRestart(t *testing.T) {
	srv := natstest.Run(t)
	b := newTestBus(t, testOptions(srv.URL()))
	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, uint64(0), streamMessages(t, b, "EVENTS"))

	// memory streams do not survive a restart
	srv.Restart()

	require.Eventually(t, func() bool {
		js, err := b.Manager().JetStream()
		if err != nil {
			return false
		}
		_, err = js.Stream(context.Background(), "EVENTS")
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	res := b.Publish(context.Background(), event.SubjectJobCreated.String(), event.JobCreated{JobID: "J4"})
	assert.True(t, res.Success, res.Error)
}

func TestBus_WithDefaults(t *testing.T) {
	b := New(Options{SubscriberDefaults: subscriber.Options{
		AckWait:        time.Second,
		MaxDeliver:     3,
		MaxConcurrency: 4,
		NakDelay:       time.Millisecond,
		HandlerTimeout: time.Minute,
	}}, logger.NewNop())

	got := b.withDefaults(subscriber.Options{DurableName: "d", QueueGroup: "g", MaxConcurrency: 1})
	assert.Equal(t, subscriber.Options{
		DurableName:    "d",
		QueueGroup:     "g",
		AckWait:        time.Second,
		MaxDeliver:     3,
		MaxConcurrency: 1,
		NakDelay:       time.Millisecond,
		HandlerTimeout: time.Minute,
	}, got)
}

func TestRetentions(t *testing.T) {
	defs := []topology.StreamDefinition{
		{Name: "EVENTS", Subjects: []string{"job.*", "resume.submitted"}, MaxAge: 48 * time.Hour},
		{Name: "FOREVER", Subjects: []string{"audit.>"}},
	}

	assert.Equal(t, []minio.Retention{
		{ID: "EVENTS-0", Prefix: "job.", MaxAge: 48 * time.Hour},
		{ID: "EVENTS-1", Prefix: "resume.submitted/", MaxAge: 48 * time.Hour},
	}, Retentions(defs))
}

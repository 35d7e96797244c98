package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// Config holds connection settings for the broker
type Config struct {
	URLs             []string
	Name             string
	Mode             Mode
	ConnectTimeout   time.Duration
	ConnectAttempts  int
	MaxReconnects    int // 0 means DefaultMaxReconnects, negative retries forever
	ReconnectWait    time.Duration
	ReconnectMaxWait time.Duration
	DrainTimeout     time.Duration
	User             string
	Password         string
	Token            string
}

// DefaultMaxReconnects is used when Config.MaxReconnects is zero
const DefaultMaxReconnects = 10

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeRequired
	}
	if c.Name == "" {
		c.Name = "eventrelay"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.ReconnectMaxWait < c.ReconnectWait {
		c.ReconnectMaxWait = c.ReconnectWait
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records state transitions on r
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// Manager owns the single broker connection of the process.
//
// State changes are serialised and delivered to listeners in order. Listeners
// run on the goroutine that caused the transition and must not call Connect
// or Close.
type Manager struct {
	config  Config
	logger  *logger.Logger
	metrics *metrics.Recorder

	connectMu    sync.Mutex
	transitionMu sync.Mutex

	mu      sync.RWMutex
	state   State
	lastErr error
	conn    *nats.Conn
	js      jetstream.JetStream
	closed  bool

	listenersMu  sync.Mutex
	listeners    map[uint64]func(StatusChange)
	nextListener uint64
}

// NewManager creates a manager in the Disconnected state. Nothing is dialled
// until Connect.
func NewManager(cfg Config, log *logger.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	m := &Manager{
		config:    cfg,
		logger:    log.Component("broker"),
		state:     Disconnected,
		listeners: make(map[uint64]func(StatusChange)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the configured servers. A manager that is already connected
// or reconnecting returns nil without dialling again.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.config.Mode == ModeDisabled {
		m.mu.Lock()
		m.lastErr = ErrDisabled
		m.mu.Unlock()
		m.logger.Warn("Broker disabled by configuration, events will not be published")
		return nil
	}

	m.mu.Lock()
	m.closed = false
	if m.conn != nil && !m.conn.IsClosed() {
		m.mu.Unlock()
		return nil
	}
	m.conn = nil
	m.js = nil
	m.mu.Unlock()

	if len(m.config.URLs) == 0 {
		return m.connectFailed(fmt.Errorf("no broker urls configured"))
	}

	m.transition(Connecting, nil)

	servers := strings.Join(m.config.URLs, ",")
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.config.ReconnectWait
	policy.MaxInterval = m.config.ReconnectMaxWait
	policy.MaxElapsedTime = 0

	var nc *nats.Conn
	attempt := 0
	operation := func() error {
		attempt++
		c, err := nats.Connect(servers, m.natsOptions()...)
		if err != nil {
			m.logger.Warn("Broker connect attempt failed",
				logger.Int("attempt", attempt),
				logger.Int("max_attempts", m.config.ConnectAttempts),
				logger.Error(err),
			)
			return err
		}
		nc = c
		return nil
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.config.ConnectAttempts-1)), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return m.connectFailed(fmt.Errorf("failed to connect to broker at %s: %w", servers, err))
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return m.connectFailed(fmt.Errorf("failed to create jetstream context: %w", err))
	}

	m.mu.Lock()
	m.conn = nc
	m.js = js
	m.mu.Unlock()

	if nc.IsConnected() {
		m.transition(Connected, nil)
		m.logger.Info("Connected to broker",
			logger.String("url", nc.ConnectedUrl()),
			logger.String("server_id", nc.ConnectedServerId()),
		)
	}
	return nil
}

func (m *Manager) connectFailed(err error) error {
	m.transition(Closed, err)
	if m.config.Mode == ModeOptional {
		m.logger.Warn("Broker unavailable, continuing without messaging", logger.Error(err))
		return nil
	}
	m.logger.Error("Broker connection failed", logger.Error(err))
	return err
}

func (m *Manager) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(m.config.Name),
		nats.Timeout(m.config.ConnectTimeout),
		nats.MaxReconnects(m.config.MaxReconnects),
		nats.CustomReconnectDelay(m.reconnectDelay),
		nats.DrainTimeout(m.config.DrainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleAsyncError),
	}
	if m.config.User != "" {
		opts = append(opts, nats.UserInfo(m.config.User, m.config.Password))
	}
	if m.config.Token != "" {
		opts = append(opts, nats.Token(m.config.Token))
	}
	return opts
}

// reconnectDelay doubles ReconnectWait per completed pass over the server
// list, capped at ReconnectMaxWait.
func (m *Manager) reconnectDelay(attempts int) time.Duration {
	return cappedDelay(m.config.ReconnectWait, m.config.ReconnectMaxWait, attempts)
}

func cappedDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (m *Manager) owns(nc *nats.Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nc != nil && m.conn == nc
}

func (m *Manager) handleDisconnect(nc *nats.Conn, err error) {
	if !m.owns(nc) || nc.IsClosed() {
		return
	}
	m.logger.Warn("Broker connection lost", logger.Error(err))
	m.transition(Disconnected, err)
	if !nc.IsClosed() {
		m.transition(Connecting, nil)
	}
}

func (m *Manager) handleReconnect(nc *nats.Conn) {
	if !m.owns(nc) {
		return
	}
	m.logger.Info("Reconnected to broker", logger.String("url", nc.ConnectedUrl()))
	m.transition(Connected, nil)
}

func (m *Manager) handleClosed(nc *nats.Conn) {
	if !m.owns(nc) {
		return
	}
	err := nc.LastError()
	if err == nil {
		err = errReconnectsExhausted
	}
	m.logger.Error("Broker connection closed", logger.Error(err))
	m.transition(Closed, err)
}

func (m *Manager) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	fields := []logger.Field{logger.Error(err)}
	if sub != nil {
		fields = append(fields, logger.String("subject", sub.Subject))
	}
	m.logger.Warn("Broker async error", fields...)
}

// transition moves the manager to state to and notifies listeners. Repeated
// transitions into the current state are ignored.
func (m *Manager) transition(to State, err error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	from := m.state
	if err != nil {
		m.lastErr = err
	}
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	m.metrics.ConnectionState(int(to), to.String())

	change := StatusChange{From: from, To: to, Err: err, At: time.Now()}
	m.logger.Debug("Broker state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	)

	m.listenersMu.Lock()
	listeners := make([]func(StatusChange), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// OnStatusChange registers fn for every later state transition.
func (m *Manager) OnStatusChange(fn func(StatusChange)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// Watch returns a channel of state transitions. Delivery never blocks the
// manager: when the buffer is full the change is dropped and logged.
func (m *Manager) Watch(buffer int) (<-chan StatusChange, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StatusChange, buffer)

	var mu sync.Mutex
	done := false
	cancelListener := m.OnStatusChange(func(change StatusChange) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case ch <- change:
		default:
			m.logger.Warn("Dropping broker status change for slow watcher",
				logger.String("to", change.To.String()),
			)
		}
	})

	return ch, func() {
		cancelListener()
		mu.Lock()
		defer mu.Unlock()
		if !done {
			done = true
			close(ch)
		}
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Mode returns the configured mode
func (m *Manager) Mode() Mode {
	return m.config.Mode
}

// IsConnected reports whether publishes can currently reach the broker
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Connected && m.conn != nil && m.conn.IsConnected()
}

// LastError returns the most recent connection error, if any
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Health returns a snapshot for health checks
func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := Health{
		Connected: m.state == Connected && m.conn != nil && m.conn.IsConnected(),
		State:     m.state.String(),
		Mode:      m.config.Mode,
		Servers:   append([]string(nil), m.config.URLs...),
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	if m.conn != nil {
		if servers := m.conn.Servers(); len(servers) > 0 {
			h.Servers = servers
		}
		h.ConnectedURL = m.conn.ConnectedUrl()
	}
	return h
}

// Conn returns the live connection or ErrNotConnected
func (m *Manager) Conn() (*nats.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.state != Connected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// JetStream returns the JetStream context of the live connection or
// ErrNotConnected
func (m *Manager) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.state != Connected || m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// Close drains the connection and moves the manager to Closed. Draining is
// bounded by ctx and the configured drain timeout.
func (m *Manager) Close(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	nc := m.conn
	m.conn = nil
	m.js = nil
	m.closed = true
	m.mu.Unlock()

	m.transition(Closed, nil)

	if nc == nil || nc.IsClosed() {
		return nil
	}

	if !nc.IsConnected() {
		nc.Close()
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("failed to drain broker connection: %w", err)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !nc.IsClosed() {
		select {
		case <-ctx.Done():
			nc.Close()
			return fmt.Errorf("broker drain interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	m.logger.Info("Broker connection closed")
	return nil
}

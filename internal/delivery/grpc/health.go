package grpc

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/moroshma/eventrelay/internal/broker"
	"github.com/moroshma/eventrelay/pkg/logger"
)

// BrokerService is the health service name that tracks broker connectivity only.
const BrokerService = "eventrelay.Broker"

// StatusSource is the part of the connection manager the health service reads.
type StatusSource interface {
	Health() broker.Health
	OnStatusChange(fn func(broker.StatusChange)) (cancel func())
}

// HealthHandler serves grpc.health.v1 with statuses derived from the broker.
//
// The overall service ("") is NOT_SERVING only when the broker is required and
// unreachable. BrokerService always reports the raw connection state, so an
// optional or disabled broker shows up as degraded without failing liveness.
type HealthHandler struct {
	server *health.Server
	source StatusSource
	logger *logger.Logger

	mu      sync.Mutex
	cancel  func()
	stopped bool

	applyMu sync.Mutex
}

// NewHealthHandler creates a handler. Call Start to begin tracking the broker.
func NewHealthHandler(source StatusSource, log *logger.Logger) *HealthHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &HealthHandler{
		server: health.NewServer(),
		source: source,
		logger: log.Component("health"),
	}
}

// Register attaches the health service to s.
func (h *HealthHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Server exposes the underlying health server
func (h *HealthHandler) Server() *health.Server {
	return h.server
}

// Start publishes the current status and follows every later transition.
func (h *HealthHandler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.stopped {
		return
	}

	h.cancel = h.source.OnStatusChange(func(broker.StatusChange) {
		h.apply()
	})
	h.apply()
}

// apply publishes the broker's current health. The snapshot is read under
// applyMu, so a later call never writes an older state.
func (h *HealthHandler) apply() {
	h.applyMu.Lock()
	defer h.applyMu.Unlock()

	health := h.source.Health()
	overall, brokerStatus := statuses(health.Connected, health.Mode)

	h.server.SetServingStatus("", overall)
	h.server.SetServingStatus(BrokerService, brokerStatus)

	h.logger.Debug("Health status updated",
		logger.String("overall", overall.String()),
		logger.String("broker", brokerStatus.String()),
	)
}

func statuses(connected bool, mode broker.Mode) (overall, brokerStatus healthpb.HealthCheckResponse_ServingStatus) {
	if connected {
		return healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_SERVING
	}
	if mode == broker.ModeRequired {
		return healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
}

// Stop detaches from the broker and reports NOT_SERVING for every service.
func (h *HealthHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	if h.cancel != nil {
		h.cancel()
	}
	h.server.Shutdown()
}

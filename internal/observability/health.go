package observability

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"transcript-relay-service/internal/observability/metrics"
)

// ServiceName is the gRPC health service name of the pipeline.
const ServiceName = "transcript.relay.Pipeline"

// FatalError describes an unrecoverable persistence failure.
type FatalError struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Health tracks whether the process can still guarantee delivery.
// Once a fatal error is recorded it stays recorded until restart.
type Health struct {
	mu      sync.RWMutex
	running bool
	fatal   []FatalError
	grpc    *health.Server
	metrics *metrics.Metrics
}

// NewHealth creates a health tracker. grpcHealth may be nil.
func NewHealth(grpcHealth *health.Server) *Health {
	return &Health{
		grpc:    grpcHealth,
		metrics: metrics.DefaultMetrics,
	}
}

// SetRunning marks the pipeline as started or stopped.
func (h *Health) SetRunning(running bool) {
	h.mu.Lock()
	h.running = running
	healthy := len(h.fatal) == 0
	h.mu.Unlock()
	h.publish(running && healthy)
}

// MarkFatal records an unrecoverable error and flips readiness.
func (h *Health) MarkFatal(component string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.mu.Lock()
	h.fatal = append(h.fatal, FatalError{Component: component, Message: msg, At: time.Now().UTC()})
	h.mu.Unlock()

	h.metrics.RecordFatal(component)
	log.Error().
		Str("component", component).
		Err(err).
		Msg("Fatal persistence error, restart required")
	h.publish(false)
}

// Running reports whether the pipeline is started.
func (h *Health) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Healthy reports whether no fatal error has been recorded.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fatal) == 0
}

// Fatal returns a copy of the recorded fatal errors.
func (h *Health) Fatal() []FatalError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]FatalError, len(h.fatal))
	copy(out, h.fatal)
	return out
}

// Ready reports whether the process should receive traffic.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running && len(h.fatal) == 0
}

func (h *Health) publish(serving bool) {
	if h.grpc == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(ServiceName, status)
}

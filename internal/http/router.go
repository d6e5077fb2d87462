package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/broadcast"
	"transcript-relay-service/internal/consumer"
	"transcript-relay-service/internal/enrichment"
	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/gateway"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/schema"
)

// Publisher accepts intake segments.
type Publisher interface {
	Publish(ctx context.Context, seg models.TranscriptSegment) (events.Result, error)
}

// Broadcaster is the subscriber side of the live event broadcaster.
type Broadcaster interface {
	Subscribe(callID string, resumeFrom *int64) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
	ActiveCalls() int
	SubscriptionsCount() int
}

// Ingest serves WebSocket audio routes.
type Ingest interface {
	Handler(d gateway.Dialect) http.Handler
	ActiveConnections() int
}

// ConsumerStats reports the enrichment consumer's counters.
type ConsumerStats interface {
	Stats() consumer.Stats
}

// Deps are the components the router exposes.
type Deps struct {
	Validator   *schema.Validator
	Publisher   Publisher
	Enricher    enrichment.Enricher
	Broadcaster Broadcaster
	Health      *observability.Health
	Consumer    ConsumerStats
	// Gateway and IngestRoutes are optional; IngestRoutes maps a path to
	// the dialect served there.
	Gateway      Ingest
	IngestRoutes map[string]gateway.Dialect
	Heartbeat    time.Duration
}

type handlers struct {
	Deps
	log zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps Deps) http.Handler {
	if deps.Validator == nil {
		deps.Validator = schema.New()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	h := &handlers{Deps: deps, log: logging.WithComponent("http")}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	// RealIP stays off the ingest routes, which authenticate the TCP peer.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RealIP)
		h.mountAPI(r)
	})

	if h.Gateway != nil {
		paths := make([]string, 0, len(h.IngestRoutes))
		for path := range h.IngestRoutes {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			r.Handle(path, h.Gateway.Handler(h.IngestRoutes[path]))
		}
	}

	return r
}

func (h *handlers) mountAPI(r chi.Router) {
	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if h.Health != nil && !h.Health.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/status", h.status)

	r.Post("/transcripts", h.postTranscript)
	r.Post("/enrich", h.enrich)
	r.Get("/events/stream", h.stream)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcripts", h.postTranscript)
		r.Post("/enrich", h.enrich)
		r.Get("/events/stream", h.stream)
	})
}

func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

type statusResponse struct {
	IsRunning          bool                       `json:"isRunning"`
	Healthy            bool                       `json:"healthy"`
	SubscriptionsCount int                        `json:"subscriptionsCount"`
	ActiveCalls        int                        `json:"activeCalls"`
	IngestConnections  int                        `json:"ingestConnections"`
	Consumer           *consumer.Stats            `json:"consumer,omitempty"`
	Fatal              []observability.FatalError `json:"fatal,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{IsRunning: true, Healthy: true}
	if h.Health != nil {
		resp.IsRunning = h.Health.Running()
		resp.Healthy = h.Health.Healthy()
		resp.Fatal = h.Health.Fatal()
	}
	if h.Broadcaster != nil {
		resp.SubscriptionsCount = h.Broadcaster.SubscriptionsCount()
		resp.ActiveCalls = h.Broadcaster.ActiveCalls()
	}
	if h.Gateway != nil {
		resp.IngestConnections = h.Gateway.ActiveConnections()
	}
	if h.Consumer != nil {
		stats := h.Consumer.Stats()
		resp.Consumer = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

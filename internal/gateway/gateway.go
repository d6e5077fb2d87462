// Package gateway terminates inbound WebSocket audio streams, runs one ASR
// session per call and publishes the recognised text as transcript segments.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/resilience"
	"transcript-relay-service/internal/service/stt"
)

// Publisher appends segments and end-of-call markers to the transcript log.
type Publisher interface {
	Publish(ctx context.Context, seg models.TranscriptSegment) (events.Result, error)
	Finish(ctx context.Context, callID, tenantID string) error
}

// Calls is the part of the call registry the gateway drives.
type Calls interface {
	Activate(ctx context.Context, callID, tenantID string) (models.Call, bool, error)
	End(ctx context.Context, callID string) bool
}

// Notifier pushes control events to dashboard subscribers.
type Notifier interface {
	Publish(ev models.EnrichedEvent) error
}

// Config holds the per-connection limits and policies.
type Config struct {
	// IdleTimeout closes a connection that sent nothing for this long.
	IdleTimeout   time.Duration
	MaxAudioBytes int64
	MaxDuration   time.Duration
	WriteTimeout  time.Duration
	// FinishTimeout bounds teardown work after the socket is gone.
	FinishTimeout time.Duration
	Publish       resilience.RetryConfig
	Session       stt.SessionConfig
	Stream        stt.StreamConfig
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   60 * time.Second,
		MaxAudioBytes: 100 * 1024 * 1024,
		MaxDuration:   2 * time.Hour,
		WriteTimeout:  5 * time.Second,
		FinishTimeout: 10 * time.Second,
		Publish: resilience.RetryConfig{
			MaxAttempts: 5,
			Backoff: resilience.Backoff{
				Initial:    200 * time.Millisecond,
				Max:        5 * time.Second,
				Multiplier: 2,
				Jitter:     true,
			},
		},
	}
}

// Gateway serves the ingest WebSocket routes.
type Gateway struct {
	cfg       Config
	factory   stt.Factory
	publisher Publisher
	calls     Calls
	notifier  Notifier
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a gateway. notifier may be nil.
func New(cfg Config, factory stt.Factory, publisher Publisher, calls Calls, notifier Notifier) *Gateway {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = def.FinishTimeout
	}
	if cfg.Publish.MaxAttempts <= 0 {
		cfg.Publish = def.Publish
	}
	return &Gateway{
		cfg:       cfg,
		factory:   factory,
		publisher: publisher,
		calls:     calls,
		notifier:  notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:   make(map[string]*Conn),
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("gateway"),
	}
}

// Handler returns the WebSocket handler speaking dialect d.
func (g *Gateway) Handler(d Dialect) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := d.Authenticate(r); err != nil {
			g.log.Warn().Err(err).Str("dialect", d.Name()).Str("remote", r.RemoteAddr).Msg("Ingest connection rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error
			g.log.Debug().Err(err).Str("dialect", d.Name()).Msg("WebSocket upgrade failed")
			return
		}

		c := newConn(g, d, ws)
		if !g.add(c) {
			c.reject("server shutting down")
			return
		}
		defer g.remove(c)
		c.run()
	})
}

func (g *Gateway) add(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns == nil {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

func (g *Gateway) remove(c *Conn) {
	g.mu.Lock()
	if g.conns != nil {
		delete(g.conns, c.id)
	}
	g.mu.Unlock()
	g.wg.Done()
}

// ActiveConnections returns the number of open ingest connections.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every connection and waits for their calls to be torn
// down, or for ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()

	for _, c := range conns {
		c.abort("shutdown")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.log.Info().Int("connections", len(conns)).Msg("Gateway stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

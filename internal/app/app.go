package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	grpcapi "transcript-relay-service/internal/api/grpc"
	"transcript-relay-service/internal/broadcast"
	"transcript-relay-service/internal/config"
	"transcript-relay-service/internal/consumer"
	"transcript-relay-service/internal/enrichment"
	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/gateway"
	relayhttp "transcript-relay-service/internal/http"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/resilience"
	"transcript-relay-service/internal/schema"
	"transcript-relay-service/internal/service/call"
	"transcript-relay-service/internal/service/segment"
	"transcript-relay-service/internal/service/stt/providers"
	"transcript-relay-service/internal/store"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	store       *store.Store
	registry    *call.Registry
	log         events.Log
	deadLetters events.DeadLetterSink
	publisher   *events.Publisher
	broadcaster *broadcast.Broadcaster
	consumer    *consumer.Consumer
	gateway     *gateway.Gateway
	health      *observability.Health
	sttClose    func() error

	httpServer *http.Server
	obsServer  *observability.Server
	grpcServer *grpcapi.Server
}

// New constructs a new Application from the provided configuration and
// wires every pipeline component. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Configuration) (*Application, error) {
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.Logger.Info().
		Str("env", cfg.Service.Env).
		Str("sttProvider", cfg.STT.Provider).
		Bool("kafka", cfg.Kafka.Enabled).
		Str("enrichMode", cfg.Consumer.EnrichMode).
		Msg("Transcript relay application created")
	return a, nil
}

func (a *Application) wire(ctx context.Context) error {
	cfg := a.Cfg

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	a.grpcServer = grpcapi.New()
	a.health = observability.NewHealth(a.grpcServer.Health())

	if cfg.Kafka.Enabled {
		kl, err := events.NewKafkaLog(events.KafkaConfig{
			Brokers:           cfg.Kafka.Brokers,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			DeleteOnPurge:     cfg.Kafka.DeleteOnPurge,
		})
		if err != nil {
			return fmt.Errorf("open kafka log: %w", err)
		}
		a.log = kl
		a.deadLetters = events.NewKafkaDeadLetters(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic, cfg.Kafka.Principal)
	} else {
		a.Logger.Warn().Msg("Kafka disabled, using in-memory transcript log")
		a.log = events.NewMemoryLog()
		a.deadLetters = events.NewMemoryDeadLetters()
	}

	a.broadcaster = broadcast.New(broadcast.Config{
		ReplaySize:       cfg.Broadcast.ReplaySize,
		SubscriberBuffer: cfg.Broadcast.SubscriberBuffer,
		OverflowPolicy:   broadcast.Policy(cfg.Broadcast.OverflowPolicy),
	})

	a.registry = call.NewRegistry(
		call.WithStore(st.Calls),
		call.WithIdleTimeout(cfg.Ingest.CallIdleTimeout),
		call.WithOnIdle(a.onIdle),
	)

	principal := cfg.Kafka.Principal
	if principal == "" {
		principal = cfg.Service.Principal
	}
	a.publisher = events.NewPublisher(events.Config{
		TopicPrefix: cfg.Kafka.TopicPrefix,
		Principal:   principal,
	}, a.log, segment.New(), a.registry, nil)

	service, err := a.enrichmentService()
	if err != nil {
		return err
	}
	var enricher enrichment.Enricher = service
	if cfg.Consumer.EnrichMode == "remote" {
		a.Logger.Info().Str("url", cfg.Consumer.RemoteURL).Msg("Consumer enriches through remote service")
		enricher = enrichment.NewRemoteEnricher(cfg.Consumer.RemoteURL, cfg.Consumer.RemoteTimeout)
	}

	ccfg := consumer.DefaultConfig()
	ccfg.Group = cfg.Consumer.Group
	ccfg.MaxAttempts = cfg.Consumer.MaxAttempts
	ccfg.Backoff = resilience.Backoff{
		Initial:    cfg.Consumer.InitialBackoff,
		Max:        cfg.Consumer.MaxBackoff,
		Multiplier: 2,
		Jitter:     true,
	}
	ccfg.CommitRetries = cfg.Consumer.CommitRetries
	ccfg.PurgeLog = true
	a.consumer = consumer.New(ccfg, a.log, st.Cursors, enricher, a.broadcaster, a.deadLetters,
		consumer.WithCalls(a.registry),
		consumer.WithFatalReporter(a.health),
		consumer.WithOnPurged(a.publisher.Forget),
	)

	restored, err := a.registry.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore calls: %w", err)
	}
	for _, c := range restored {
		a.publisher.Seed(c.ID, c.LastSeq)
		a.consumer.Track(c.ID, c.TenantID, a.publisher.Topic(c.ID))
	}
	a.publisher.SetTracker(a.consumer)

	factory, sttClose, err := providers.New(ctx, cfg.STT)
	if err != nil {
		return fmt.Errorf("create stt provider: %w", err)
	}
	a.sttClose = sttClose

	gcfg := gateway.DefaultConfig()
	gcfg.IdleTimeout = cfg.Ingest.IdleTimeout
	gcfg.MaxAudioBytes = cfg.Ingest.MaxAudioBytes
	gcfg.MaxDuration = cfg.Ingest.MaxDuration
	gcfg.Publish = resilience.RetryConfig{
		MaxAttempts: cfg.Ingest.PublishMaxAttempts,
		Backoff: resilience.Backoff{
			Initial:    cfg.Ingest.PublishInitialBackoff,
			Max:        cfg.Ingest.PublishMaxBackoff,
			Multiplier: 2,
			Jitter:     true,
		},
	}
	gcfg.Session = providers.SessionConfig(cfg.STT)
	gcfg.Stream = providers.StreamConfig(cfg.STT)
	a.gateway = gateway.New(gcfg, factory, a.publisher, a.registry, a.broadcaster)

	router := relayhttp.NewRouter(relayhttp.Deps{
		Validator:   schema.New(),
		Publisher:   a.publisher,
		Enricher:    service,
		Broadcaster: a.broadcaster,
		Health:      a.health,
		Consumer:    a.consumer,
		Gateway:     a.gateway,
		IngestRoutes: map[string]gateway.Dialect{
			"/v1/ingest": gateway.Generic{},
			"/v1/ingest/exotel": gateway.Exotel{
				AuthMethod: cfg.Ingest.ExotelAuthMethod,
				Username:   cfg.Ingest.ExotelUsername,
				Password:   cfg.Ingest.ExotelPassword,
				AllowedIPs: cfg.Ingest.ExotelAllowedIPs,
			},
			"/v1/ingest/twilio": gateway.Twilio{
				AuthToken: cfg.Ingest.TwilioAuthToken,
				PublicURL: cfg.Ingest.PublicURL,
			},
		},
		Heartbeat: cfg.Broadcast.HeartbeatInterval,
	})
	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.obsServer = observability.NewServer(":"+cfg.Service.MetricsPort, a.health)

	a.Logger.Info().Int("restoredCalls", len(restored)).Msg("Pipeline wired")
	return nil
}

// enrichmentService builds the in-process enricher used by /enrich and, in
// local mode, by the consumer.
func (a *Application) enrichmentService() (*enrichment.Service, error) {
	cfg := a.Cfg

	tax := enrichment.DefaultTaxonomy()
	if cfg.Enrichment.TaxonomyFile != "" {
		loaded, err := enrichment.LoadTaxonomy(cfg.Enrichment.TaxonomyFile)
		if err != nil {
			return nil, fmt.Errorf("load taxonomy: %w", err)
		}
		tax = loaded
	}

	var classifier enrichment.Classifier
	switch cfg.Enrichment.ClassifierProvider {
	case "openai":
		opts := []enrichment.LLMOption{enrichment.WithLLMModel(cfg.Enrichment.LLMModel)}
		if cfg.Enrichment.LLMEndpoint != "" {
			opts = append(opts, enrichment.WithLLMEndpoint(cfg.Enrichment.LLMEndpoint))
		}
		classifier = enrichment.NewLLMClassifier(cfg.Enrichment.LLMAPIKey, tax.Intents(), opts...)
	default:
		classifier = enrichment.NewKeywordClassifier()
	}

	var kb enrichment.KnowledgeBase
	switch cfg.KB.Adapter {
	case "http":
		kb = enrichment.NewHTTPKnowledgeBase(cfg.KB.BaseURL, &http.Client{Timeout: cfg.KB.Timeout})
	case "db":
		kb = enrichment.NewDBKnowledgeBase(a.store.Articles)
	default:
		kb = enrichment.NopKnowledgeBase{}
	}

	opts := enrichment.DefaultOptions()
	opts.MinTextLength = cfg.Enrichment.MinTextLength
	opts.ClassifyPartials = cfg.Enrichment.ClassifyPartials
	opts.ClassifyTimeout = cfg.Enrichment.ClassifyTimeout
	opts.KBTimeout = cfg.KB.Timeout
	opts.KBLimit = cfg.KB.Limit
	opts.CacheSize = cfg.Enrichment.CacheSize

	svc, err := enrichment.NewService(classifier, tax, kb, opts)
	if err != nil {
		return nil, fmt.Errorf("create enrichment service: %w", err)
	}
	return svc, nil
}

// onIdle publishes the end marker for a call the sweeper ended and tells
// live subscribers why it stopped.
func (a *Application) onIdle(ctx context.Context, c models.Call) {
	if err := a.publisher.Finish(ctx, c.ID, c.TenantID); err != nil {
		a.Logger.Error().Err(err).Str("callId", c.ID).Msg("Failed to publish end of idle call")
	}
	_ = a.broadcaster.Publish(models.EnrichedEvent{
		Type:     models.EventTimeout,
		CallID:   c.ID,
		TenantID: c.TenantID,
		Seq:      c.LastSeq,
		TS:       time.Now().UnixMilli(),
	})
}

// Run serves traffic until ctx is cancelled or a server fails, then shuts
// everything down.
func (a *Application) Run(ctx context.Context) error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("httpAddr", a.httpServer.Addr).
		Msg("Transcript relay starting")

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(a.obsServer.ListenAndServe)
	g.Go(func() error { return a.grpcServer.Serve(lis) })
	g.Go(func() error { return a.consumer.Run(gctx) })
	g.Go(func() error { return a.registry.RunSweeper(gctx, a.Cfg.Ingest.SweepInterval) })

	a.health.SetRunning(true)

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.Cfg.Service.ShutdownTimeout)
		defer cancel()
		a.Shutdown(sctx)
		return nil
	})

	return g.Wait()
}

// Shutdown stops ingest first so open calls publish their end markers,
// then drains the consumer and releases the log and the store.
func (a *Application) Shutdown(ctx context.Context) {
	a.Logger.Info().Msg("Transcript relay shutting down")
	a.health.SetRunning(false)

	if err := a.gateway.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Ingest connections did not drain")
	}
	a.consumer.Stop()
	// ends open SSE streams so the HTTP server can drain
	a.broadcaster.Close()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP server shutdown")
	}
	a.grpcServer.Stop(ctx)
	if err := a.obsServer.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Observability server shutdown")
	}

	a.close()
	a.Logger.Info().Dur("uptime", time.Since(a.StartupTime)).Msg("Transcript relay stopped")
}

// close releases the log, STT clients and the store. It tolerates a
// partially wired application.
func (a *Application) close() {
	if a.deadLetters != nil {
		if err := a.deadLetters.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Close dead letters")
		}
	}
	if a.log != nil {
		if err := a.log.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Close transcript log")
		}
	}
	if a.sttClose != nil {
		if err := a.sttClose(); err != nil {
			a.Logger.Warn().Err(err).Msg("Close STT client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Close store")
		}
	}
}

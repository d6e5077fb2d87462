// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Configuration is the root configuration of the relay service.
// Every nested field is read from <SECTION>_<NAME> with <NAME> as a fallback.
type Configuration struct {
	Service       ServiceConfig       `envconfig:"SERVICE"`
	STT           STTConfig           `envconfig:"STT"`
	Ingest        IngestConfig        `envconfig:"INGEST"`
	Kafka         KafkaConfig         `envconfig:"KAFKA"`
	Consumer      ConsumerConfig      `envconfig:"CONSUMER"`
	Enrichment    EnrichmentConfig    `envconfig:"ENRICHMENT"`
	KB            KBConfig            `envconfig:"KB"`
	Broadcast     BroadcastConfig     `envconfig:"BROADCAST"`
	Store         StoreConfig         `envconfig:"STORE"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Principal       string        `envconfig:"PRINCIPAL" default:"svc-transcript-relay"`
	Env             string        `envconfig:"ENV" default:"prod"`
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort        string        `envconfig:"GRPC_PORT" default:"50051"`
	MetricsPort     string        `envconfig:"METRICS_PORT" default:"9090"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// STTConfig configures the speech-recognition provider and session policy.
type STTConfig struct {
	Provider       string `envconfig:"PROVIDER" default:"mock"` // mock, google, deepgram
	LanguageCode   string `envconfig:"LANGUAGE_CODE" default:"en-US"`
	SampleRateHz   int    `envconfig:"SAMPLE_RATE_HZ" default:"8000"`
	InterimResults bool   `envconfig:"INTERIM_RESULTS" default:"true"`
	AudioEncoding  string `envconfig:"AUDIO_ENCODING" default:"LINEAR16"`

	FirstResultTimeout time.Duration `envconfig:"FIRST_RESULT_TIMEOUT" default:"10s"`
	MaxRecycles        int           `envconfig:"MAX_RECYCLES" default:"4"`
	RecycleBackoff     time.Duration `envconfig:"RECYCLE_BACKOFF" default:"500ms"`
	RecycleMaxBackoff  time.Duration `envconfig:"RECYCLE_MAX_BACKOFF" default:"8s"`
	EventBuffer        int           `envconfig:"EVENT_BUFFER" default:"64"`

	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
}

// IngestConfig configures the WebSocket gateway.
type IngestConfig struct {
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxAudioBytes int64         `envconfig:"MAX_AUDIO_BYTES" default:"104857600"`
	MaxDuration   time.Duration `envconfig:"MAX_DURATION" default:"2h"`

	PublishMaxAttempts    int           `envconfig:"PUBLISH_MAX_ATTEMPTS" default:"5"`
	PublishInitialBackoff time.Duration `envconfig:"PUBLISH_INITIAL_BACKOFF" default:"200ms"`
	PublishMaxBackoff     time.Duration `envconfig:"PUBLISH_MAX_BACKOFF" default:"5s"`

	ExotelAuthMethod string   `envconfig:"EXOTEL_AUTH_METHOD" default:"basic_auth"` // basic_auth, ip_whitelist
	ExotelUsername   string   `envconfig:"EXOTEL_USERNAME"`
	ExotelPassword   string   `envconfig:"EXOTEL_PASSWORD"`
	ExotelAllowedIPs []string `envconfig:"EXOTEL_ALLOWED_IPS"`
	TwilioAuthToken  string   `envconfig:"TWILIO_AUTH_TOKEN"`
	PublicURL        string   `envconfig:"PUBLIC_URL"`

	// CallIdleTimeout ends calls that receive no segments for this long (intake-only calls).
	CallIdleTimeout time.Duration `envconfig:"CALL_IDLE_TIMEOUT" default:"10m"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
}

// KafkaConfig configures the durable per-call log.
type KafkaConfig struct {
	Enabled           bool     `envconfig:"ENABLED" default:"false"`
	Brokers           []string `envconfig:"BROKERS" default:"localhost:9092"`
	TopicPrefix       string   `envconfig:"TOPIC_PREFIX" default:"transcripts"`
	DeadLetterTopic   string   `envconfig:"DEAD_LETTER_TOPIC" default:"transcripts.dlq"`
	Principal         string   `envconfig:"PRINCIPAL"`
	ReplicationFactor int      `envconfig:"REPLICATION_FACTOR" default:"1"`
	DeleteOnPurge     bool     `envconfig:"DELETE_ON_PURGE" default:"false"`
}

// ConsumerConfig configures the transcript consumer.
type ConsumerConfig struct {
	Group          string        `envconfig:"GROUP" default:"enrichment"`
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"4"`
	InitialBackoff time.Duration `envconfig:"INITIAL_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"MAX_BACKOFF" default:"5s"`
	CommitRetries  int           `envconfig:"COMMIT_RETRIES" default:"5"`
	EnrichMode     string        `envconfig:"ENRICH_MODE" default:"local"` // local, remote
	RemoteURL      string        `envconfig:"REMOTE_URL"`
	RemoteTimeout  time.Duration `envconfig:"REMOTE_TIMEOUT" default:"10s"`
}

// EnrichmentConfig configures intent classification.
type EnrichmentConfig struct {
	ClassifierProvider string        `envconfig:"CLASSIFIER" default:"keyword"` // keyword, openai
	LLMAPIKey          string        `envconfig:"LLM_API_KEY"`
	LLMModel           string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMEndpoint        string        `envconfig:"LLM_ENDPOINT"`
	ClassifyTimeout    time.Duration `envconfig:"CLASSIFY_TIMEOUT" default:"3s"`
	ClassifyPartials   bool          `envconfig:"CLASSIFY_PARTIALS" default:"false"`
	MinTextLength      int           `envconfig:"MIN_TEXT_LENGTH" default:"10"`
	TaxonomyFile       string        `envconfig:"TAXONOMY_FILE"`
	CacheSize          int           `envconfig:"CACHE_SIZE" default:"4096"`
}

// KBConfig configures the knowledge-base adapter.
type KBConfig struct {
	Adapter string        `envconfig:"ADAPTER" default:"db"` // none, http, db
	BaseURL string        `envconfig:"BASE_URL" default:"http://localhost:3000"`
	Limit   int           `envconfig:"LIMIT" default:"5"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"2s"`
}

// BroadcastConfig configures the live event broadcaster.
type BroadcastConfig struct {
	ReplaySize        int           `envconfig:"REPLAY_SIZE" default:"256"`
	SubscriberBuffer  int           `envconfig:"SUBSCRIBER_BUFFER" default:"64"`
	OverflowPolicy    string        `envconfig:"OVERFLOW_POLICY" default:"drop_oldest"` // drop_oldest, disconnect
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
}

// StoreConfig configures the relational store for cursors, calls and KB articles.
type StoreConfig struct {
	Driver string `envconfig:"DRIVER" default:"sqlite"` // sqlite, postgres
	DSN    string `envconfig:"DSN" default:"data/relay.db"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"` // json, console
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Configuration, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration from the environment only.
func LoadFromEnv() (*Configuration, error) {
	var cfg Configuration
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Configuration) Validate() error {
	var errs []error

	switch c.STT.Provider {
	case "mock", "google":
	case "deepgram":
		if c.STT.DeepgramAPIKey == "" {
			errs = append(errs, errors.New("STT_DEEPGRAM_API_KEY is required for the deepgram provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STT provider %q", c.STT.Provider))
	}
	if c.STT.SampleRateHz <= 0 {
		errs = append(errs, errors.New("STT_SAMPLE_RATE_HZ must be positive"))
	}
	if c.STT.EventBuffer <= 0 {
		errs = append(errs, errors.New("STT_EVENT_BUFFER must be positive"))
	}
	if c.STT.MaxRecycles < 0 {
		errs = append(errs, errors.New("STT_MAX_RECYCLES must not be negative"))
	}

	switch c.Ingest.ExotelAuthMethod {
	case "basic_auth", "ip_whitelist":
	default:
		errs = append(errs, fmt.Errorf("unknown exotel auth method %q", c.Ingest.ExotelAuthMethod))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when kafka is enabled"))
	}

	if c.Consumer.MaxAttempts < 1 {
		errs = append(errs, errors.New("CONSUMER_MAX_ATTEMPTS must be at least 1"))
	}
	switch c.Consumer.EnrichMode {
	case "local":
	case "remote":
		if strings.TrimSpace(c.Consumer.RemoteURL) == "" {
			errs = append(errs, errors.New("CONSUMER_REMOTE_URL is required in remote enrich mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown enrich mode %q", c.Consumer.EnrichMode))
	}

	switch c.Enrichment.ClassifierProvider {
	case "keyword":
	case "openai":
		if c.Enrichment.LLMAPIKey == "" {
			errs = append(errs, errors.New("ENRICHMENT_LLM_API_KEY is required for the openai classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier %q", c.Enrichment.ClassifierProvider))
	}

	switch c.KB.Adapter {
	case "none", "http", "db":
	default:
		errs = append(errs, fmt.Errorf("unknown kb adapter %q", c.KB.Adapter))
	}

	switch c.Broadcast.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		errs = append(errs, fmt.Errorf("unknown overflow policy %q", c.Broadcast.OverflowPolicy))
	}
	if c.Broadcast.ReplaySize <= 0 || c.Broadcast.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("broadcast buffers must be positive"))
	}

	return errors.Join(errs...)
}

// IsDev reports whether the service runs in a development environment.
func (c *Configuration) IsDev() bool {
	return c.Service.Env == "dev" || os.Getenv("ENV") == "dev"
}

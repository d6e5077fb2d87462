// Package providers builds the configured STT adapter factory.
package providers

import (
	"context"
	"fmt"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/rs/zerolog/log"

	"transcript-relay-service/internal/config"
	"transcript-relay-service/internal/resilience"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/stt/deepgram"
	"transcript-relay-service/internal/service/stt/google"
	"transcript-relay-service/internal/service/stt/mock"
)

// New returns the factory for cfg.Provider and a function releasing any
// shared client it holds.
func New(ctx context.Context, cfg config.STTConfig) (stt.Factory, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Provider {
	case "mock":
		log.Info().Msg("Using mock STT adapter")
		return mock.Factory(false), noop, nil

	case "google":
		client, err := speech.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create google speech client: %w", err)
		}
		log.Info().Str("language", cfg.LanguageCode).Msg("Using Google STT adapter")
		return google.Factory(client, google.Config{
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   cfg.SampleRateHz,
			InterimResults: cfg.InterimResults,
			AudioEncoding:  cfg.AudioEncoding,
		}), client.Close, nil

	case "deepgram":
		dg := deepgram.DefaultConfig()
		dg.APIKey = cfg.DeepgramAPIKey
		dg.Model = cfg.DeepgramModel
		dg.Language = cfg.LanguageCode
		dg.SampleRate = cfg.SampleRateHz
		dg.Encoding = cfg.AudioEncoding
		dg.InterimResults = cfg.InterimResults
		log.Info().Str("model", dg.Model).Msg("Using Deepgram STT adapter")
		return deepgram.Factory(dg), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// SessionConfig derives the session policy from cfg.
func SessionConfig(cfg config.STTConfig) stt.SessionConfig {
	return stt.SessionConfig{
		Provider:           cfg.Provider,
		FirstResultTimeout: cfg.FirstResultTimeout,
		MaxRecycles:        cfg.MaxRecycles,
		Backoff: resilience.Backoff{
			Initial:    cfg.RecycleBackoff,
			Max:        cfg.RecycleMaxBackoff,
			Multiplier: 2,
			Jitter:     true,
		},
		EventBuffer:  cfg.EventBuffer,
		DrainTimeout: 300 * time.Millisecond,
	}
}

// StreamConfig returns the default stream settings of cfg.
func StreamConfig(cfg config.STTConfig) stt.StreamConfig {
	return stt.StreamConfig{
		LanguageCode:   cfg.LanguageCode,
		SampleRateHz:   cfg.SampleRateHz,
		Encoding:       cfg.AudioEncoding,
		InterimResults: cfg.InterimResults,
	}
}

// Package deepgram provides a Deepgram live transcription adapter.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"transcript-relay-service/internal/service/stt"
)

// Config holds Deepgram stream settings.
type Config struct {
	APIKey         string
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	InterimResults bool
	UtteranceEndMs int
}

// DefaultConfig returns telephony defaults.
func DefaultConfig() Config {
	return Config{
		Model:          "nova-2",
		Language:       "en-US",
		Encoding:       "linear16",
		SampleRate:     8000,
		InterimResults: true,
		UtteranceEndMs: 1000,
	}
}

// encodingName converts the relay's upper-case names to Deepgram's.
func encodingName(name string) string {
	switch strings.ToUpper(name) {
	case "", "LINEAR16", "PCM":
		return "linear16"
	case "MULAW", "PCMU":
		return "mulaw"
	case "ALAW", "PCMA":
		return "alaw"
	case "FLAC":
		return "flac"
	case "OGG_OPUS", "OPUS":
		return "opus"
	default:
		return strings.ToLower(name)
	}
}

// Factory creates Deepgram adapters with stream settings applied over base.
func Factory(base Config) stt.Factory {
	return func(_ context.Context, sc stt.StreamConfig) (stt.Adapter, error) {
		cfg := base
		if sc.LanguageCode != "" {
			cfg.Language = sc.LanguageCode
		}
		if sc.SampleRateHz > 0 {
			cfg.SampleRate = sc.SampleRateHz
		}
		if sc.Encoding != "" {
			cfg.Encoding = sc.Encoding
		}
		return New(cfg)
	}
}

// Adapter implements stt.Adapter over a Deepgram websocket.
type Adapter struct {
	cfg Config

	mu     sync.Mutex
	client *listenClient.WSCallback
	closed bool
}

// New validates cfg and creates an adapter. The socket opens in Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram api key is required")
	}
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) transcriptionOptions() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          a.cfg.Model,
		Language:       a.cfg.Language,
		Encoding:       encodingName(a.cfg.Encoding),
		SampleRate:     a.cfg.SampleRate,
		Channels:       1,
		InterimResults: a.cfg.InterimResults,
		Punctuate:      true,
		SmartFormat:    true,
	}
	if a.cfg.UtteranceEndMs > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", a.cfg.UtteranceEndMs)
	}
	return opts
}

// Start opens the websocket and routes Deepgram messages into cb.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	handler := &callbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		cb:                     cb,
	}

	client, err := listenClient.NewWSUsingCallback(
		ctx,
		a.cfg.APIKey,
		&interfaces.ClientOptions{EnableKeepAlive: true},
		a.transcriptionOptions(),
		handler,
	)
	if err != nil {
		return fmt.Errorf("create deepgram client: %w", err)
	}
	if !client.Connect() {
		return errors.New("deepgram connection failed")
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

// SendAudio writes one frame to the socket.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	client, closed := a.client, a.closed
	a.mu.Unlock()
	if closed || client == nil {
		return stt.ErrNotOpen
	}
	if _, err := client.Write(audio); err != nil {
		return fmt.Errorf("write audio to deepgram: %w", err)
	}
	return nil
}

// Close stops the socket.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.client != nil {
		a.client.Stop()
	}
	return nil
}

// callbackHandler embeds the SDK's default handler and overrides the
// messages the relay cares about.
type callbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	cb stt.Callback
}

func (h *callbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if mr.IsFinal || mr.SpeechFinal {
		h.cb.OnFinal(alt.Transcript, alt.Confidence)
		if mr.SpeechFinal {
			h.cb.OnEndOfUtterance()
		}
		return nil
	}
	h.cb.OnPartial(alt.Transcript)
	return nil
}

func (h *callbackHandler) UtteranceEnd(_ *msginterfaces.UtteranceEndResponse) error {
	h.cb.OnEndOfUtterance()
	return nil
}

func (h *callbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		h.cb.OnError(errors.New("deepgram error"))
		return nil
	}
	h.cb.OnError(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

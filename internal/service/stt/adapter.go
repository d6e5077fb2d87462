// Package stt defines the Speech-to-Text adapter contract and the session
// that keeps one recognition stream alive for the duration of a call.
package stt

import "context"

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnEndOfUtterance is called when the provider detects the speaker stopped.
	OnEndOfUtterance()

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// Adapter defines the interface for STT providers (Google, Deepgram, mock).
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Listener is implemented by adapters that need a receive loop after Start.
type Listener interface {
	Listen()
}

// StreamConfig describes the audio of one call.
type StreamConfig struct {
	LanguageCode   string
	SampleRateHz   int
	Encoding       string
	InterimResults bool
}

// Factory creates a fresh adapter for a call or a recycled stream.
type Factory func(ctx context.Context, sc StreamConfig) (Adapter, error)

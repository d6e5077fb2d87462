// Package mock provides a mock STT adapter for running the relay without
// provider credentials. It emits progressive partials, exactly one final per
// utterance and an end-of-utterance marker, then moves on to the next
// utterance for as long as audio keeps arriving.
package mock

import (
	"context"
	"sync"
	"time"

	"transcript-relay-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances is a short banking support conversation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I lost", "I lost my", "I lost my credit card"},
		Final:      "I lost my credit card yesterday please block it",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you check", "Can you check my"},
		Final:      "Can you check my savings account balance",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"There is", "There is a transaction", "There is a transaction I"},
		Final:      "There is a transaction I did not make",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// Adapter implements stt.Adapter with canned responses.
type Adapter struct {
	cb                 stt.Callback
	mu                 sync.Mutex
	audioReceived      int                // Count of audio frames received
	index              int                // Position in DefaultUtterances
	utterance          SimulatedUtterance // Current utterance being simulated
	partialIndex       int                // Next partial to send
	finalSent          bool               // Ensures only one final per utterance
	endOfUtteranceSent bool               // Ensures only one end-of-utterance per utterance
	silent             bool               // Never answers; exercises first-result timeouts
	closed             bool
}

// utteranceCounter spreads new adapters over the default utterances.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// New creates a new mock STT adapter.
func New() *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &Adapter{
		index:     idx,
		utterance: DefaultUtterances[idx],
	}
}

// NewSilent creates an adapter that accepts audio but never produces results.
func NewSilent() *Adapter {
	a := New()
	a.silent = true
	return a
}

// Factory returns an stt.Factory producing mock adapters.
func Factory(silent bool) stt.Factory {
	return func(_ context.Context, _ stt.StreamConfig) (stt.Adapter, error) {
		if silent {
			return NewSilent(), nil
		}
		return New(), nil
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

// SendAudio triggers one partial per frame. When all partials are sent the
// next frame completes the utterance, like silence detection would.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}

	a.audioReceived++
	if a.silent {
		return nil
	}

	// Previous utterance finished; start the next one
	if a.finalSent {
		a.index = (a.index + 1) % len(DefaultUtterances)
		a.utterance = DefaultUtterances[a.index]
		a.partialIndex = 0
		a.finalSent = false
		a.endOfUtteranceSent = false
	}

	if a.partialIndex < len(a.utterance.Partials) {
		partial := a.utterance.Partials[a.partialIndex]
		a.partialIndex++

		// Simulate processing delay
		go func(text string) {
			time.Sleep(50 * time.Millisecond)
			a.mu.Lock()
			cb, closed := a.cb, a.closed
			a.mu.Unlock()
			if !closed && cb != nil {
				cb.OnPartial(text)
			}
		}(partial)
		return nil
	}

	a.finalSent = true
	a.endOfUtteranceSent = true
	utt := a.utterance

	go func() {
		time.Sleep(100 * time.Millisecond)
		a.mu.Lock()
		cb, closed := a.cb, a.closed
		a.mu.Unlock()

		if !closed && cb != nil {
			cb.OnFinal(utt.Final, utt.Confidence)
			cb.OnEndOfUtterance()
		}
	}()

	return nil
}

// Close ends the mock session. An utterance cut short by the end of the
// stream still gets its final.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if !a.finalSent && !a.silent && a.cb != nil {
		a.finalSent = true
		cb, utt := a.cb, a.utterance
		go func() {
			time.Sleep(100 * time.Millisecond)
			cb.OnFinal(utt.Final, utt.Confidence)
		}()
	}

	return nil
}

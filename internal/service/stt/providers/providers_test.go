package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcript-relay-service/internal/config"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/stt/deepgram"
	"transcript-relay-service/internal/service/stt/mock"
)

func TestNew_Mock(t *testing.T) {
	f, closeFn, err := New(context.Background(), config.STTConfig{Provider: "mock"})
	require.NoError(t, err)
	defer closeFn()

	a, err := f(context.Background(), stt.StreamConfig{})
	require.NoError(t, err)
	assert.IsType(t, &mock.Adapter{}, a)
}

func TestNew_Deepgram(t *testing.T) {
	f, _, err := New(context.Background(), config.STTConfig{
		Provider:       "deepgram",
		DeepgramAPIKey: "key",
		DeepgramModel:  "nova-2",
		SampleRateHz:   8000,
	})
	require.NoError(t, err)

	a, err := f(context.Background(), stt.StreamConfig{})
	require.NoError(t, err)
	assert.IsType(t, &deepgram.Adapter{}, a)
}

func TestNew_Unknown(t *testing.T) {
	_, _, err := New(context.Background(), config.STTConfig{Provider: "azure"})
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	sc := SessionConfig(config.STTConfig{
		Provider:           "mock",
		FirstResultTimeout: 10 * time.Second,
		MaxRecycles:        4,
		RecycleBackoff:     500 * time.Millisecond,
		RecycleMaxBackoff:  8 * time.Second,
		EventBuffer:        64,
	})
	assert.Equal(t, 4, sc.MaxRecycles)
	assert.Equal(t, 500*time.Millisecond, sc.Backoff.Initial)
	assert.Equal(t, 8*time.Second, sc.Backoff.Max)
	assert.Equal(t, 10*time.Second, sc.FirstResultTimeout)
}

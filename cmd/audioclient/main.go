// Command audioclient streams a WAV file to the relay's generic ingest route
// in real time and prints the acks. With -events it also follows the call's
// enriched event stream.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 100ms of 16-bit mono audio is sampleRate/10 samples of 2 bytes.
const chunkInterval = 100 * time.Millisecond

type startMessage struct {
	Event         string `json:"event"`
	InteractionID string `json:"interactionId"`
	TenantID      string `json:"tenantId"`
	SampleRate    int    `json:"sampleRate"`
	Encoding      string `json:"encoding"`
}

type mediaMessage struct {
	Event     string `json:"event"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

type reply struct {
	Event         string `json:"event"`
	InteractionID string `json:"interactionId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	Message       string `json:"message,omitempty"`
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/ingest", "Ingest WebSocket URL")
	eventsURL := flag.String("events", "", "Relay HTTP base URL to follow the event stream, e.g. http://localhost:8080")
	interactionID := flag.String("interaction", "test-audio-"+time.Now().Format("150405"), "Interaction ID")
	tenantID := flag.String("tenant", "tenant-demo", "Tenant ID")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("interactionId", *interactionID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(*audioFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	sampleRate, err := readWAVHeader(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid WAV file")
	}
	chunkSize := sampleRate / 10 * 2

	if *eventsURL != "" {
		go followEvents(ctx, logger, *eventsURL, *interactionID)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverURL, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("url", *serverURL).Msg("Failed to connect")
	}
	defer conn.Close()
	logger.Info().Str("url", *serverURL).Msg("Connected")

	go readReplies(conn, logger)

	if err := conn.WriteJSON(startMessage{
		Event:         "start",
		InteractionID: *interactionID,
		TenantID:      *tenantID,
		SampleRate:    sampleRate,
		Encoding:      "LINEAR16",
	}); err != nil {
		logger.Fatal().Err(err).Msg("Failed to send start")
	}

	chunk := make([]byte, chunkSize)
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()
	var chunks int
	var total int64
	began := time.Now()

stream:
	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			chunks++
			total += int64(n)
			if err := conn.WriteJSON(mediaMessage{
				Event:     "media",
				Payload:   chunk[:n],
				Timestamp: int64(chunks) * chunkInterval.Milliseconds(),
			}); err != nil {
				logger.Fatal().Err(err).Msg("Failed to send media")
			}
			if chunks%10 == 0 {
				logger.Debug().Int("chunks", chunks).Int64("bytes", total).Msg("Streaming")
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to read audio")
		}
		select {
		case <-ctx.Done():
			break stream
		case <-ticker.C:
		}
	}

	logger.Info().
		Int("chunks", chunks).
		Int64("bytes", total).
		Dur("elapsed", time.Since(began)).
		Msg("Finished streaming, sending stop")
	if err := conn.WriteJSON(map[string]string{"event": "stop"}); err != nil {
		logger.Error().Err(err).Msg("Failed to send stop")
	}

	// leave time for late finals and the event stream to catch up
	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
}

// readWAVHeader validates a PCM 16-bit mono header and returns the sample rate.
func readWAVHeader(r io.Reader) (int, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, errNotWAV
	}
	if binary.LittleEndian.Uint16(header[20:22]) != 1 {
		return 0, errNotPCM
	}
	if binary.LittleEndian.Uint16(header[22:24]) != 1 || binary.LittleEndian.Uint16(header[34:36]) != 16 {
		return 0, errNotMono16
	}
	return int(binary.LittleEndian.Uint32(header[24:28])), nil
}

type wavError string

func (e wavError) Error() string { return string(e) }

const (
	errNotWAV    wavError = "not a RIFF/WAVE file"
	errNotPCM    wavError = "only PCM format supported"
	errNotMono16 wavError = "only 16-bit mono audio supported"
)

func readReplies(conn *websocket.Conn, logger zerolog.Logger) {
	for {
		var r reply
		if err := conn.ReadJSON(&r); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info().Msg("Connection closed by relay")
			} else {
				logger.Debug().Err(err).Msg("Reply reader stopped")
			}
			return
		}
		switch r.Event {
		case "started":
			logger.Info().Msg("Call started")
		case "ack":
			logger.Trace().Int64("timestamp", r.Timestamp).Msg("Ack")
		case "timeout":
			logger.Warn().Msg("ASR provider timed out")
		case "error":
			logger.Error().Str("message", r.Message).Msg("Relay rejected message")
		}
	}
}

// followEvents prints the call's enriched events from the SSE endpoint.
func followEvents(ctx context.Context, logger zerolog.Logger, base, callID string) {
	u := strings.TrimRight(base, "/") + "/v1/events/stream?callId=" + url.QueryEscape(callID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Bad events URL")
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open event stream")
		return
	}
	defer resp.Body.Close()

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			logger.Info().Str("event", event).RawJSON("data", []byte(strings.TrimPrefix(line, "data: "))).Msg("Event")
		}
	}
}

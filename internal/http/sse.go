package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"transcript-relay-service/internal/broadcast"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/schema"
)

// resumePoint reads the last seen seq from lastSeq or resumeFromSeq, or from
// the Last-Event-ID header sent by reconnecting EventSource clients.
func resumePoint(r *http.Request) (*int64, error) {
	q := r.URL.Query()
	for _, name := range []string{"resumeFromSeq", "lastSeq"} {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, &schema.ValidationError{Field: name, Reason: "must be a non-negative integer"}
			}
			return &n, nil
		}
	}
	if v := strings.TrimSpace(r.Header.Get("Last-Event-ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return &n, nil
		}
	}
	return nil, nil
}

// stream pushes a call's enriched events as Server-Sent Events until the
// call ends, the client goes away or the subscription is dropped.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("callId"))
	if callID == "" {
		writeError(w, http.StatusBadRequest, &schema.ValidationError{Field: "callId", Reason: "is required"})
		return
	}
	resume, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	if h.Broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("broadcaster unavailable"))
		return
	}

	sub, err := h.Broadcaster.Subscribe(callID, resume)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer h.Broadcaster.Unsubscribe(sub)
	log := logging.WithSubscriber(callID, sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "retry: 3000\n: subscribed %s\n\n", sub.ID); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Int64("lastSentSeq", sub.LastSentSeq()).Msg("Stream client disconnected")
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, broadcast.ErrCallEnded) {
					log.Info().Err(err).Msg("Stream subscription closed")
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug().Err(err).Msg("Stream write failed")
				return
			}
			flusher.Flush()
			if ev.Type == models.EventTranscript {
				sub.MarkSent(ev.Seq)
			}
			if ev.Type == models.EventCallEnded {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev models.EnrichedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var b strings.Builder
	if ev.Type == models.EventTranscript {
		fmt.Fprintf(&b, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev.Type, data)
	_, err = w.Write([]byte(b.String()))
	return err
}

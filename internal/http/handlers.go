package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"transcript-relay-service/internal/enrichment"
	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/schema"
	"transcript-relay-service/internal/service/call"
)

const (
	maxBodyBytes    = 1 << 20
	tenantHeader    = "x-tenant-id"
	defaultTenantID = "default"
)

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type transcriptResponse struct {
	OK        bool   `json:"ok"`
	CallID    string `json:"callId"`
	Seq       int64  `json:"seq"`
	MessageID string `json:"messageId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	writeJSON(w, status, resp)
}

// postTranscript accepts one segment. Validation happens before any side
// effect, so a rejected request never advances seq.
func (h *handlers) postTranscript(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	req, err := h.Validator.DecodeTranscript(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenantID == "" {
		tenantID = defaultTenantID
	}

	res, err := h.Publisher.Publish(r.Context(), req.Segment(tenantID))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, transcriptResponse{OK: true, CallID: res.CallID, Seq: res.Seq, MessageID: res.MessageID})
	case errors.Is(err, events.ErrDuplicate):
		// redelivery of an already published seq is accepted without side effect
		reason := "duplicate"
		if errors.Is(err, events.ErrStale) {
			reason = "stale"
		}
		writeJSON(w, http.StatusOK, transcriptResponse{OK: true, CallID: req.CallID, Seq: req.Seq, Duplicate: true, Reason: reason})
	case errors.Is(err, schema.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, call.ErrCallEnded):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, events.ErrLogUnavailable):
		h.log.Warn().Err(err).Str("callId", req.CallID).Msg("Intake rejected, log unavailable")
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.log.Error().Err(err).Str("callId", req.CallID).Msg("Intake failed")
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

type enrichResponse struct {
	Intent     string           `json:"intent"`
	Confidence float64          `json:"confidence"`
	Articles   []models.Article `json:"articles"`
}

// enrich runs the enrichment service for one utterance. It answers with a
// best-effort result even when the classifier or knowledge base fail.
func (h *handlers) enrich(w http.ResponseWriter, r *http.Request) {
	if h.Enricher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("enrichment disabled"))
		return
	}
	var req enrichment.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &schema.ValidationError{Field: "body", Reason: "must be a JSON object"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, &schema.ValidationError{Field: "text", Reason: "is required"})
		return
	}
	if req.TenantID == "" {
		req.TenantID = strings.TrimSpace(r.Header.Get(tenantHeader))
	}

	res, err := h.Enricher.Enrich(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("callId", req.CallID).Msg("Enrichment failed")
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if res.Articles == nil {
		res.Articles = []models.Article{}
	}
	writeJSON(w, http.StatusOK, enrichResponse{
		Intent:     res.Intent,
		Confidence: res.Confidence,
		Articles:   res.Articles,
	})
}

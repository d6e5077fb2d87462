// Package schema validates inbound payloads before they cause side effects.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"transcript-relay-service/internal/models"
)

// ErrValidation is the sentinel behind every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// TranscriptRequest is the body of POST /transcripts.
type TranscriptRequest struct {
	CallID     string   `json:"callId"`
	Seq        int64    `json:"seq"`
	TS         int64    `json:"ts"`
	Text       string   `json:"text"`
	IsFinal    bool     `json:"isFinal"`
	Confidence *float64 `json:"confidence,omitempty"`
}

var requiredIntakeFields = []string{"callId", "text", "ts", "isFinal"}

// Validator checks intake payloads. Presence is checked on the raw JSON
// so that "isFinal": false and "ts": 0 count as present.
type Validator struct{}

// New creates a validator.
func New() *Validator {
	return &Validator{}
}

// DecodeTranscript parses and validates an intake body.
func (v *Validator) DecodeTranscript(body []byte) (TranscriptRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return TranscriptRequest{}, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	for _, f := range requiredIntakeFields {
		val, ok := raw[f]
		if !ok || string(val) == "null" {
			return TranscriptRequest{}, missing(f)
		}
	}

	var req TranscriptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return TranscriptRequest{}, &ValidationError{Field: "body", Reason: err.Error()}
	}
	if strings.TrimSpace(req.CallID) == "" {
		return TranscriptRequest{}, missing("callId")
	}
	if strings.TrimSpace(req.Text) == "" {
		return TranscriptRequest{}, &ValidationError{Field: "text", Reason: "must not be blank"}
	}
	if req.Seq < 0 {
		return TranscriptRequest{}, &ValidationError{Field: "seq", Reason: "must not be negative"}
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		return TranscriptRequest{}, &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
	}

	log.Debug().Str("callId", req.CallID).Int64("seq", req.Seq).Msg("Intake payload validated")
	return req, nil
}

// Segment converts a validated request into a segment for the publisher.
func (r TranscriptRequest) Segment(tenantID string) models.TranscriptSegment {
	return models.TranscriptSegment{
		CallID:     r.CallID,
		TenantID:   tenantID,
		Seq:        r.Seq,
		TS:         r.TS,
		Text:       r.Text,
		IsFinal:    r.IsFinal,
		Confidence: r.Confidence,
		Kind:       models.KindSegment,
	}
}

// StartInfo is the normalised session start shared by every ingest dialect.
type StartInfo struct {
	InteractionID string
	TenantID      string
	SampleRate    int
	Encoding      string
	StreamID      string
	From          string
	To            string
	Custom        map[string]string
}

// ValidateStart checks the fields every start control message must carry.
func ValidateStart(s StartInfo) error {
	if strings.TrimSpace(s.InteractionID) == "" {
		return missing("interactionId")
	}
	if strings.TrimSpace(s.TenantID) == "" {
		return missing("tenantId")
	}
	if s.SampleRate <= 0 {
		return &ValidationError{Field: "sampleRate", Reason: "must be positive"}
	}
	if strings.TrimSpace(s.Encoding) == "" {
		return missing("encoding")
	}
	return nil
}

package models

// IntentUnknown is the intent reported whenever classification is skipped or fails.
const IntentUnknown = "unknown"

// Article is a knowledge-base match.
type Article struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Snippet string   `json:"snippet"`
	Source  string   `json:"source"`
	URL     string   `json:"url,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Score   float64  `json:"score,omitempty"`
}

// EnrichmentResult is derived from one TranscriptSegment and is not persisted.
type EnrichmentResult struct {
	CallID     string    `json:"callId"`
	Seq        int64     `json:"seq"`
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Articles   []Article `json:"articles"`
}

// Event types pushed to dashboard subscribers.
const (
	EventTranscript = "transcript"
	EventCallEnded  = "call_ended"
	EventTimeout    = "timeout"
)

// EnrichedEvent is what the broadcaster pushes to subscribers.
// Only transcript events carry a seq; control events use seq 0.
type EnrichedEvent struct {
	Type             string    `json:"type"`
	CallID           string    `json:"callId"`
	TenantID         string    `json:"tenantId,omitempty"`
	Seq              int64     `json:"seq,omitempty"`
	TS               int64     `json:"ts,omitempty"`
	Text             string    `json:"text,omitempty"`
	IsFinal          bool      `json:"isFinal"`
	Confidence       *float64  `json:"confidence,omitempty"`
	Intent           string    `json:"intent,omitempty"`
	IntentConfidence float64   `json:"intentConfidence"`
	Articles         []Article `json:"articles,omitempty"`
}

// NewTranscriptEvent combines a segment with its enrichment.
func NewTranscriptEvent(seg TranscriptSegment, res EnrichmentResult) EnrichedEvent {
	articles := res.Articles
	if articles == nil {
		articles = []Article{}
	}
	intent := res.Intent
	if intent == "" {
		intent = IntentUnknown
	}
	return EnrichedEvent{
		Type:             EventTranscript,
		CallID:           seg.CallID,
		TenantID:         seg.TenantID,
		Seq:              seg.Seq,
		TS:               seg.TS,
		Text:             seg.Text,
		IsFinal:          seg.IsFinal,
		Confidence:       seg.Confidence,
		Intent:           intent,
		IntentConfidence: res.Confidence,
		Articles:         articles,
	}
}

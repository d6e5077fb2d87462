package models

// SegmentKind distinguishes recognised speech from control markers in a call log.
type SegmentKind string

const (
	// KindSegment is an interim or final piece of recognised speech.
	KindSegment SegmentKind = "segment"
	// KindEnd marks the end of a call. It carries the last published seq and no text.
	KindEnd SegmentKind = "end"
)

// TranscriptSegment is one log entry of a call.
// Seq is assigned once by the publisher and never changes afterwards.
type TranscriptSegment struct {
	CallID     string      `json:"callId"`
	TenantID   string      `json:"tenantId,omitempty"`
	Seq        int64       `json:"seq"`
	TS         int64       `json:"ts"` // Unix milliseconds
	Text       string      `json:"text"`
	IsFinal    bool        `json:"isFinal"`
	Confidence *float64    `json:"confidence,omitempty"`
	Kind       SegmentKind `json:"kind,omitempty"`
}

// IsEnd reports whether the segment is an end-of-call marker.
func (s TranscriptSegment) IsEnd() bool {
	return s.Kind == KindEnd
}

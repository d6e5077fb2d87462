package schema

import (
	"errors"
	"testing"
)

func TestDecodeTranscript_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing callId", `{"ts":1,"text":"hi","isFinal":false}`, "callId"},
		{"missing text", `{"callId":"c1","ts":1,"isFinal":false}`, "text"},
		{"missing ts", `{"callId":"c1","text":"hi","isFinal":true}`, "ts"},
		{"missing isFinal", `{"callId":"c1","ts":1,"text":"hi"}`, "isFinal"},
		{"null isFinal", `{"callId":"c1","ts":1,"text":"hi","isFinal":null}`, "isFinal"},
		{"blank callId", `{"callId":"  ","ts":1,"text":"hi","isFinal":true}`, "callId"},
		{"blank text", `{"callId":"c1","ts":1,"text":"   ","isFinal":true}`, "text"},
		{"not an object", `[1,2]`, "body"},
		{"wrong type", `{"callId":"c1","ts":"yesterday","text":"hi","isFinal":true}`, "body"},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.DecodeTranscript([]byte(tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestDecodeTranscript_FalseAndZeroArePresent(t *testing.T) {
	req, err := New().DecodeTranscript([]byte(`{"callId":"c1","ts":0,"text":"Hello","isFinal":false}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.CallID != "c1" || req.Text != "Hello" || req.IsFinal || req.Seq != 0 {
		t.Errorf("unexpected request: %+v", req)
	}

	seg := req.Segment("tenant-1")
	if seg.TenantID != "tenant-1" || seg.CallID != "c1" || seg.IsEnd() {
		t.Errorf("unexpected segment: %+v", seg)
	}
}

func TestValidateStart(t *testing.T) {
	valid := StartInfo{InteractionID: "i1", TenantID: "t1", SampleRate: 8000, Encoding: "LINEAR16"}
	if err := ValidateStart(valid); err != nil {
		t.Fatalf("expected valid start, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*StartInfo)
	}{
		{"no interaction", func(s *StartInfo) { s.InteractionID = "" }},
		{"no tenant", func(s *StartInfo) { s.TenantID = "" }},
		{"zero rate", func(s *StartInfo) { s.SampleRate = 0 }},
		{"no encoding", func(s *StartInfo) { s.Encoding = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			if err := ValidateStart(s); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

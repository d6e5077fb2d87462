// Package models holds the data types shared across the relay pipeline.
package models

import (
	"fmt"
	"time"
)

// CallState is the lifecycle state of a call.
type CallState int

const (
	// CallCreated - start received, resources not yet running.
	CallCreated CallState = iota
	// CallActive - audio or segments are flowing.
	CallActive
	// CallEnded - explicit stop or idle timeout; log still being drained.
	CallEnded
	// CallPurged - adapter session, subscriber set and cursor released.
	CallPurged
)

// String returns the string representation of the state.
func (s CallState) String() string {
	switch s {
	case CallCreated:
		return "CREATED"
	case CallActive:
		return "ACTIVE"
	case CallEnded:
		return "ENDED"
	case CallPurged:
		return "PURGED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ParseCallState is the inverse of String.
func ParseCallState(s string) (CallState, error) {
	switch s {
	case "CREATED":
		return CallCreated, nil
	case "ACTIVE":
		return CallActive, nil
	case "ENDED":
		return CallEnded, nil
	case "PURGED":
		return CallPurged, nil
	default:
		return 0, fmt.Errorf("unknown call state %q", s)
	}
}

// IsTerminal returns true once every resource of the call has been released.
func (s CallState) IsTerminal() bool {
	return s == CallPurged
}

// Call is one end-to-end voice session.
type Call struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	State        CallState `json:"-"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt,omitempty"`
	LastSeq      int64     `json:"lastSeq"`
	LastActivity time.Time `json:"lastActivity"`
}

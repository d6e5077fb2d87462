// Package call tracks the lifecycle of calls flowing through the relay.
package call

import (
	"errors"
	"fmt"
	"sync"

	"transcript-relay-service/internal/models"
)

// Errors for invalid state transitions.
var (
	ErrCallEnded         = errors.New("call has ended")
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Lifecycle manages the state machine for a single call.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	CREATED → ACTIVE → ENDED → PURGED
//	   │                 ▲        ▲
//	   └──── End() ──────┘        │
//	   any state ──── Purge() ────┘
//
// Rules:
//   - CREATED: can activate, can end
//   - ACTIVE: can end; Activate is a no-op
//   - ENDED: no new segments; only Purge moves on
//   - PURGED: terminal, every resource released
type Lifecycle struct {
	mu     sync.RWMutex
	callID string
	state  models.CallState
}

// NewLifecycle creates a new call lifecycle in CREATED state.
func NewLifecycle(callID string) *Lifecycle {
	return &Lifecycle{
		callID: callID,
		state:  models.CallCreated,
	}
}

// restoreLifecycle recreates a lifecycle loaded from the store.
func restoreLifecycle(callID string, state models.CallState) *Lifecycle {
	return &Lifecycle{callID: callID, state: state}
}

// CallID returns the call ID.
func (l *Lifecycle) CallID() string {
	return l.callID
}

// State returns the current state.
func (l *Lifecycle) State() models.CallState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// AcceptsSegments reports whether new segments may be published.
func (l *Lifecycle) AcceptsSegments() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == models.CallCreated || l.state == models.CallActive
}

// Activate moves CREATED to ACTIVE.
func (l *Lifecycle) Activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case models.CallCreated:
		l.state = models.CallActive
		return nil
	case models.CallActive:
		return nil
	case models.CallEnded, models.CallPurged:
		return ErrCallEnded
	default:
		return fmt.Errorf("%w: from %v", ErrInvalidTransition, l.state)
	}
}

// End moves CREATED or ACTIVE to ENDED.
// Returns true if the call was ended by this call, false if it already was.
func (l *Lifecycle) End() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == models.CallEnded || l.state.IsTerminal() {
		return false
	}
	l.state = models.CallEnded
	return true
}

// Purge moves the call to PURGED from any state. Idempotent.
// Returns true if the call was purged by this call.
func (l *Lifecycle) Purge() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = models.CallPurged
	return true
}

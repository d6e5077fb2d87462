package gateway

import (
	"fmt"
	"sync"
)

// ConnState is the lifecycle state of one ingest connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAwaitStart
	StateStreaming
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitStart:
		return "AWAIT_START"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// validTransitions defines the allowed moves of the connection machine.
var validTransitions = map[ConnState][]ConnState{
	StateConnecting: {StateAwaitStart, StateClosing},
	StateAwaitStart: {StateStreaming, StateClosing},
	StateStreaming:  {StateClosing},
	StateClosing:    {StateClosed},
	StateClosed:     {},
}

// connMachine guards the state of one connection.
type connMachine struct {
	mu    sync.Mutex
	state ConnState
}

func (m *connMachine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next or fails if the move is not allowed.
func (m *connMachine) transition(next ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range validTransitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid connection transition %s -> %s", m.state, next)
}

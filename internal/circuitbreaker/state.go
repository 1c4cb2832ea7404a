package circuitbreaker

import (
	"encoding/json"
	"fmt"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is trialing the target's recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState parses a state name into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit breaker state: %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Snapshot is the persisted record of a breaker's shared state. One record
// exists per breaker name; all callers sharing the name read and write the
// same record through the shared state store, last writer wins.
type Snapshot struct {
	// State is the current circuit state.
	State State `json:"state"`

	// Failures counts failures observed since the last reset to zero.
	Failures int `json:"failures"`

	// Successes is the lifetime successful-attempt counter.
	Successes int64 `json:"successes"`

	// ConsecutiveSuccesses counts successes observed while half-open.
	// It is reset to zero on every transition into closed or open.
	ConsecutiveSuccesses int `json:"consecutiveSuccesses"`

	// TotalRequests is the lifetime attempt counter.
	TotalRequests int64 `json:"totalRequests"`

	// LastFailureTime is the epoch-millisecond timestamp of the most
	// recent failure, zero when no failure has been observed.
	LastFailureTime int64 `json:"lastFailureTime,omitempty"`

	// NextRetryTime is the epoch-millisecond timestamp at which an open
	// circuit allows a trial call. Set only while the circuit is open.
	NextRetryTime int64 `json:"nextRetryTime,omitempty"`
}

// FailureRate returns failures relative to total requests, 0 when no
// requests have been recorded.
func (s *Snapshot) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.TotalRequests)
}

// EncodeSnapshot serializes a snapshot for the shared state store.
func EncodeSnapshot(s *Snapshot) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode circuit breaker state: %w", err)
	}
	return string(data), nil
}

// DecodeSnapshot deserializes a snapshot read from the shared state store.
func DecodeSnapshot(value string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return nil, fmt.Errorf("failed to decode circuit breaker state: %w", err)
	}
	return &s, nil
}

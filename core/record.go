package core

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ExecutionState is the lifecycle position of one execution.
type ExecutionState int

const (
	StatePending ExecutionState = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s ExecutionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ExecutionState(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition can happen.
func (s ExecutionState) IsTerminal() bool {
	return s >= StateCompleted
}

// MarshalText renders the state name.
func (s ExecutionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is set only on the terminal transition.
type Result struct {
	Value any
	Err   error
}

// ExecutionRecord is an immutable snapshot of one execution.
// The coordinator builds a new snapshot on every transition; values handed out
// by GetRecord are never modified afterwards.
type ExecutionRecord struct {
	ExecutionID string
	Descriptor  WorkDescriptor
	Decision    AffinityDecision
	State       ExecutionState
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	// Output is the capture content at the time the snapshot was taken.
	Output []Chunk
	Result *Result
}

// Duration is the running time, measured to now when still Running.
func (r ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Success reports a Completed record.
func (r ExecutionRecord) Success() bool {
	return r.State == StateCompleted
}

// Text joins every chunk of stream, in order.
func (r ExecutionRecord) Text(stream Stream) string {
	return joinChunks(r.Output, stream)
}

type recordJSON struct {
	ExecutionID   string         `json:"execution_id"`
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	ExecutionMode string         `json:"execution_mode"`
	Forced        bool           `json:"forced"`
	Reason        string         `json:"reason,omitempty"`
	State         ExecutionState `json:"state"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Success       bool           `json:"success"`
	Output        string         `json:"output,omitempty"`
	ErrorOutput   string         `json:"error_output,omitempty"`
	ReturnValue   any            `json:"return_value,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// MarshalJSON renders the record in the history display form.
func (r ExecutionRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ExecutionID:   r.ExecutionID,
		ID:            r.Descriptor.ID,
		Kind:          r.Descriptor.Kind,
		ExecutionMode: r.Decision.Mode.String(),
		Forced:        r.Decision.Forced,
		Reason:        r.Decision.Reason,
		State:         r.State,
		SubmittedAt:   r.SubmittedAt,
		ExecutionTime: r.Duration().Seconds(),
		Success:       r.Success(),
		Output:        r.Text(StreamPrimary),
		ErrorOutput:   r.Text(StreamSecondary),
	}
	if !r.StartedAt.IsZero() {
		t := r.StartedAt
		out.StartedAt = &t
	}
	if !r.EndedAt.IsZero() {
		t := r.EndedAt
		out.EndedAt = &t
	}
	if r.Result != nil {
		out.ReturnValue = r.Result.Value
		if r.Result.Err != nil {
			out.ErrorMessage = r.Result.Err.Error()
		}
	}
	return json.Marshal(out)
}

// =============================================================================
// Execution IDs
// =============================================================================

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewExecutionID returns a process-unique, time-sortable identifier.
func NewExecutionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

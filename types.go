package launcher

import "github.com/Swind/go-script-launcher/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the launcher package for most use cases.

// WorkDescriptor describes one unit of work to submit.
type WorkDescriptor = core.WorkDescriptor

// Payload is the body and environment of a unit of work.
type Payload = core.Payload

// WorkFunc is the body of one execution.
type WorkFunc = core.WorkFunc

// ExecutionContext is what a body receives.
type ExecutionContext = core.ExecutionContext

// OutputCapture is the output sink of one execution.
type OutputCapture = core.OutputCapture

// ExecutionRecord is an immutable snapshot of one execution.
type ExecutionRecord = core.ExecutionRecord

// ExecutionState is the lifecycle position of an execution.
type ExecutionState = core.ExecutionState

// AffinityMode says where a body runs.
type AffinityMode = core.AffinityMode

// AffinityDecision is the resolver's answer for one submission.
type AffinityDecision = core.AffinityDecision

// AffinityRule is a pure predicate forcing work onto the affinity thread.
type AffinityRule = core.AffinityRule

// Event is delivered to subscribers.
type Event = core.Event

// Subscriber receives the events of one execution.
type Subscriber = core.Subscriber

// Config is the engine configuration.
type Config = core.Config

// HostLoopThread is an affinity thread pumped by the host's own loop.
type HostLoopThread = core.HostLoopThread

// Stream selects one of the two output streams of an execution.
type Stream = core.Stream

// Affinity constants
const (
	AffinityAuto       AffinityMode = core.AffinityAuto
	AffinityMain       AffinityMode = core.AffinityMain
	AffinityBackground AffinityMode = core.AffinityBackground
)

// State constants
const (
	StatePending   ExecutionState = core.StatePending
	StateRunning   ExecutionState = core.StateRunning
	StateCompleted ExecutionState = core.StateCompleted
	StateFailed    ExecutionState = core.StateFailed
	StateTimedOut  ExecutionState = core.StateTimedOut
	StateCancelled ExecutionState = core.StateCancelled
)

// Stream constants
const (
	StreamPrimary   Stream = core.StreamPrimary
	StreamSecondary Stream = core.StreamSecondary
)

// Convenience functions
var (
	DefaultConfig = core.DefaultConfig
	LoadConfig    = core.LoadConfig
)

// NewHostLoopThread creates an affinity thread the host pumps with RunPending.
func NewHostLoopThread(name string) *HostLoopThread {
	return core.NewHostLoopThread(name, nil)
}

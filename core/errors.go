package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is matching against the concrete error types below.
var (
	ErrValidation        = errors.New("validation error")
	ErrAffinityViolation = errors.New("affinity violation")
	ErrTimeout           = errors.New("execution timed out")
	ErrWorkFailure       = errors.New("work failure")
	ErrCancelled         = errors.New("execution cancelled")
	ErrShuttingDown      = errors.New("coordinator is shutting down")
	ErrUnknownExecution  = errors.New("unknown execution")
)

// ValidationError means a descriptor is malformed or unrunnable.
// It is returned from Submit; no record is created.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid descriptor: %s %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AffinityViolation means work routed to the worker pool attempted an
// operation that needs the affinity thread.
type AffinityViolation struct {
	Operation string
	Cause     error
}

func (e *AffinityViolation) Error() string {
	var b strings.Builder
	b.WriteString("affinity violation")
	if e.Operation != "" {
		fmt.Fprintf(&b, ": %s requires the affinity thread", e.Operation)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	b.WriteString(" (mark the work as requiring main affinity)")
	return b.String()
}

func (e *AffinityViolation) Is(target error) bool { return target == ErrAffinityViolation }

func (e *AffinityViolation) Unwrap() error { return e.Cause }

// TimeoutError means the deadline expired before the body returned.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %v", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// WorkFailure wraps an error returned by a body, or a recovered panic.
type WorkFailure struct {
	Cause error
	// Panic holds the recovered value when the body panicked.
	Panic any
	Stack []byte
}

func (e *WorkFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("work panicked: %v", e.Panic)
	}
	return fmt.Sprintf("work failed: %v", e.Cause)
}

func (e *WorkFailure) Is(target error) bool { return target == ErrWorkFailure }

func (e *WorkFailure) Unwrap() error { return e.Cause }

// CancellationError is attached to records cancelled while Pending.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "execution cancelled before start"
	}
	return "execution cancelled before start: " + e.Reason
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

// =============================================================================
// Affinity violation detection
// =============================================================================

// DefaultViolationIndicators are substrings that identify UI-toolkit threading
// failures in an error's text.
var DefaultViolationIndicators = []string{
	"QWidget",
	"QApplication",
	"main thread",
	"QBackingStore::endPaint",
	"QPainter::begin",
	"wrapped C/C++ object",
}

// ViolationDetector re-classifies background failures that look like
// thread-affinity problems.
type ViolationDetector struct {
	indicators []string
}

// NewViolationDetector creates a detector; nil indicators selects the defaults.
func NewViolationDetector(indicators []string) *ViolationDetector {
	if indicators == nil {
		indicators = DefaultViolationIndicators
	}
	lowered := make([]string, 0, len(indicators))
	for _, s := range indicators {
		if s != "" {
			lowered = append(lowered, strings.ToLower(s))
		}
	}
	return &ViolationDetector{indicators: lowered}
}

// Classify returns err unchanged unless it matches an indicator, in which case
// it returns an *AffinityViolation wrapping err.
func (d *ViolationDetector) Classify(err error) error {
	if err == nil || d == nil {
		return err
	}
	var av *AffinityViolation
	if errors.As(err, &av) {
		return av
	}
	text := strings.ToLower(err.Error())
	var wf *WorkFailure
	if errors.As(err, &wf) && wf.Stack != nil {
		text += " " + strings.ToLower(string(wf.Stack))
	}
	for _, ind := range d.indicators {
		if strings.Contains(text, ind) {
			return &AffinityViolation{Cause: err}
		}
	}
	return err
}

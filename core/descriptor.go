package core

import (
	"fmt"
	"maps"
	"time"
)

// =============================================================================
// Affinity
// =============================================================================

// AffinityMode says where a body runs. AffinityAuto is only valid as a
// caller preference; decisions are always Main or Background.
type AffinityMode int

const (
	// AffinityAuto lets the resolver pick; resolves to Background unless a rule forces Main.
	AffinityAuto AffinityMode = iota

	// AffinityMain runs on the designated affinity thread.
	AffinityMain

	// AffinityBackground runs on the bounded worker pool.
	AffinityBackground
)

func (m AffinityMode) String() string {
	switch m {
	case AffinityAuto:
		return "auto"
	case AffinityMain:
		return "main"
	case AffinityBackground:
		return "background"
	default:
		return fmt.Sprintf("AffinityMode(%d)", int(m))
	}
}

// ParseAffinityMode parses "auto", "main" or "background".
func ParseAffinityMode(s string) (AffinityMode, error) {
	switch s {
	case "", "auto":
		return AffinityAuto, nil
	case "main":
		return AffinityMain, nil
	case "background":
		return AffinityBackground, nil
	}
	return AffinityAuto, fmt.Errorf("unknown affinity %q", s)
}

// AffinityDecision is computed once per submission and never changes.
// Reason is set iff Forced.
type AffinityDecision struct {
	Mode   AffinityMode
	Forced bool
	Reason string
}

// =============================================================================
// WorkDescriptor
// =============================================================================

// WorkFunc is the body of one execution. The returned value becomes the
// record's result value on success.
type WorkFunc func(ec *ExecutionContext) (any, error)

// Payload is the work to run plus its execution environment.
type Payload struct {
	// Run is the body.
	Run WorkFunc

	// Source optionally names the script content (e.g. an entry file path),
	// used by content-introspection rules.
	Source string

	// Env seeds the execution namespace. Each execution receives its own copy.
	Env map[string]any
}

// WorkDescriptor is supplied by the caller and treated as immutable.
type WorkDescriptor struct {
	// ID is the caller's logical identity (e.g. script path); not unique per submission.
	ID string

	// Kind tags the nature of the work and is what affinity rules look at.
	Kind string

	Payload Payload

	PreferredAffinity AffinityMode

	// Timeout of zero means the configured default applies (which may be none).
	Timeout time.Duration
}

// Validate reports why a descriptor cannot be run, as a *ValidationError.
func (d WorkDescriptor) Validate() error {
	switch {
	case d.ID == "":
		return &ValidationError{Field: "id", Msg: "must not be empty"}
	case d.Kind == "":
		return &ValidationError{Field: "kind", Msg: "must not be empty"}
	case d.Payload.Run == nil:
		return &ValidationError{Field: "payload", Msg: "has no body to run"}
	case d.Timeout < 0:
		return &ValidationError{Field: "timeout", Msg: "must not be negative"}
	}
	switch d.PreferredAffinity {
	case AffinityAuto, AffinityMain, AffinityBackground:
	default:
		return &ValidationError{Field: "preferredAffinity", Msg: fmt.Sprintf("unknown value %d", int(d.PreferredAffinity))}
	}
	return nil
}

// clone copies the descriptor so later caller mutation of Env cannot reach the record.
func (d WorkDescriptor) clone() WorkDescriptor {
	out := d
	if d.Payload.Env != nil {
		out.Payload.Env = maps.Clone(d.Payload.Env)
	}
	return out
}

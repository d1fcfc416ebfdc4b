package core

import (
	"context"
	"time"
)

// Task is the unit of work posted to a serial runner (Closure)
type Task func(ctx context.Context)

// =============================================================================
// AffinityThread: the designated thread shared with the host
// =============================================================================

// AffinityThread is the host-provided access point to the one thread reserved
// for UI-toolkit and non-thread-safe operations.
//
// The engine only needs periodic access to that thread; it never owns the
// host's loop. Implementations must run posted tasks serially, in post order,
// on the same thread.
type AffinityThread interface {
	PostTask(task Task)
	PostDelayedTask(task Task, delay time.Duration)
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

// GetCurrentAffinityThread returns the AffinityThread running the current task,
// or nil when called outside one.
func GetCurrentAffinityThread(ctx context.Context) AffinityThread {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(AffinityThread)
	}
	return nil
}

package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type terminalReport struct {
	id     string
	state  ExecutionState
	result Result
}

// fakeReporter records executor reports.
type fakeReporter struct {
	mu       sync.Mutex
	running  []string
	terminal []terminalReport
	done     chan terminalReport
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{done: make(chan terminalReport, 64)}
}

func (r *fakeReporter) ReportRunning(executionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = append(r.running, executionID)
}

func (r *fakeReporter) ReportTerminal(executionID string, state ExecutionState, result Result, at time.Time) {
	rep := terminalReport{id: executionID, state: state, result: result}
	r.mu.Lock()
	r.terminal = append(r.terminal, rep)
	r.mu.Unlock()
	r.done <- rep
}

func (r *fakeReporter) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.running...)
}

func (r *fakeReporter) wait(t *testing.T) terminalReport {
	t.Helper()
	select {
	case rep := <-r.done:
		return rep
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal report")
		return terminalReport{}
	}
}

func newTestDispatch(id string, mode AffinityMode, timeout time.Duration, rep Reporter, run WorkFunc) *Dispatch {
	d := WorkDescriptor{ID: id, Kind: KindPlain, Payload: Payload{Run: run}, Timeout: timeout}
	dispatch := NewDispatch(context.Background(), id, d, AffinityDecision{Mode: mode}, rep)
	dispatch.Capture = NewOutputCapture(id, nil)
	dispatch.Env = map[string]any{}
	return dispatch
}

// =============================================================================
// MainAffinityExecutor
// =============================================================================

// TestMainAffinityExecutor_YieldsBetweenBodies verifies one body runs per host tick
// Given: a host loop thread and three queued Main executions
// When: the host pumps one task at a time
// Then: each pump runs exactly one body, in submission order
func TestMainAffinityExecutor_YieldsBetweenBodies(t *testing.T) {
	thread := NewHostLoopThread("ui", nil)
	rep := newFakeReporter()
	e := NewMainAffinityExecutor(thread)

	var order []string
	for _, id := range []string{"a", "b", "c"} {
		e.Enqueue(newTestDispatch(id, AffinityMain, 0, rep, func(ec *ExecutionContext) (any, error) {
			order = append(order, ec.ExecutionID())
			return ec.ExecutionID(), nil
		}))
	}
	assert.Equal(t, 3, e.Stats().Pending)
	assert.Empty(t, order)

	for i, want := range []string{"a", "b", "c"} {
		require.Equal(t, 1, thread.RunPending(1))
		require.Len(t, order, i+1)
		assert.Equal(t, want, order[i])
		got := rep.wait(t)
		assert.Equal(t, want, got.id)
		assert.Equal(t, StateCompleted, got.state)
		assert.Equal(t, want, got.result.Value)
	}
	assert.Equal(t, 0, thread.RunPending(0))
	assert.Equal(t, []string{"a", "b", "c"}, rep.started())

	pending, err := e.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMainAffinityExecutor_RemovePending(t *testing.T) {
	thread := NewHostLoopThread("ui", nil)
	rep := newFakeReporter()
	e := NewMainAffinityExecutor(thread)

	var ran atomic.Bool
	e.Enqueue(newTestDispatch("a", AffinityMain, 0, rep, func(ec *ExecutionContext) (any, error) {
		ran.Store(true)
		return nil, nil
	}))
	assert.True(t, e.Remove("a"))
	assert.False(t, e.Remove("a"))

	thread.RunPending(0)
	assert.False(t, ran.Load())
	assert.Empty(t, rep.started())
}

// TestMainAffinityExecutor_Timeout verifies the watchdog reports TimedOut and flags the body
func TestMainAffinityExecutor_Timeout(t *testing.T) {
	runner := NewSingleThreadTaskRunner()
	defer runner.Stop()
	rep := newFakeReporter()
	e := NewMainAffinityExecutor(runner)

	e.Enqueue(newTestDispatch("slow", AffinityMain, 30*time.Millisecond, rep, func(ec *ExecutionContext) (any, error) {
		<-ec.Context().Done()
		return "late", nil
	}))

	got := rep.wait(t)
	assert.Equal(t, StateTimedOut, got.state)
	assert.True(t, errors.Is(got.result.Err, ErrTimeout))

	_, err := e.Shutdown(context.Background())
	require.NoError(t, err)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Len(t, rep.terminal, 1)
}

// TestMainAffinityExecutor_DeferRunsOnThread verifies deferred callbacks come back through the affinity thread
func TestMainAffinityExecutor_DeferRunsOnThread(t *testing.T) {
	thread := NewHostLoopThread("ui", nil)
	rep := newFakeReporter()
	e := NewMainAffinityExecutor(thread)

	d := newTestDispatch("a", AffinityMain, 0, rep, func(ec *ExecutionContext) (any, error) {
		ec.Println("now")
		ec.Defer(0, func(out *OutputCapture) { out.Push(StreamPrimary, "later\n") })
		return nil, nil
	})
	e.Enqueue(d)

	thread.RunPending(1)
	assert.Equal(t, StateCompleted, rep.wait(t).state)
	assert.Equal(t, "now\n", d.Capture.Text(StreamPrimary))

	thread.RunPending(0)
	assert.Equal(t, "now\nlater\n", d.Capture.Text(StreamPrimary))
}

func TestMainAffinityExecutor_ShutdownReturnsPending(t *testing.T) {
	thread := NewHostLoopThread("ui", nil)
	rep := newFakeReporter()
	e := NewMainAffinityExecutor(thread)

	for _, id := range []string{"a", "b"} {
		e.Enqueue(newTestDispatch(id, AffinityMain, 0, rep, noopWork))
	}

	// Shutdown waits for the posted drain step, which only runs once the host pumps.
	type shutdownResult struct {
		pending []*Dispatch
		err     error
	}
	done := make(chan shutdownResult, 1)
	go func() {
		pending, err := e.Shutdown(context.Background())
		done <- shutdownResult{pending, err}
	}()
	require.Eventually(t, func() bool { return e.Stats().Closed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Stats().Pending)

	thread.RunPending(0)
	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.pending, 2)
	assert.Empty(t, rep.started())

	late := newTestDispatch("c", AffinityMain, 0, rep, noopWork)
	e.Enqueue(late)
	got := rep.wait(t)
	assert.Equal(t, "c", got.id)
	assert.Equal(t, StateCancelled, got.state)
}

// =============================================================================
// WorkerPoolExecutor
// =============================================================================

// TestWorkerPoolExecutor_BoundAndFIFO verifies at most W bodies run and the rest wait in order
// Given: a pool of two workers and five executions blocked on a gate
// When: the gate is opened
// Then: never more than two ran at once and all five completed
func TestWorkerPoolExecutor_BoundAndFIFO(t *testing.T) {
	e := NewWorkerPoolExecutor(2)
	defer e.Shutdown(context.Background())
	rep := newFakeReporter()

	gate := make(chan struct{})
	var current, peak atomic.Int32
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		e.Enqueue(newTestDispatch(id, AffinityBackground, 0, rep, func(ec *ExecutionContext) (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			current.Add(-1)
			return nil, nil
		}))
	}

	require.Eventually(t, func() bool { return e.Stats().Running == 2 }, 2*time.Second, 5*time.Millisecond)
	stats := e.Stats()
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 2, stats.Workers)
	assert.ElementsMatch(t, []string{"a", "b"}, rep.started())

	close(gate)
	for range 5 {
		assert.Equal(t, StateCompleted, rep.wait(t).state)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPoolExecutor_SingleWorkerStrictOrder(t *testing.T) {
	e := NewWorkerPoolExecutor(1)
	defer e.Shutdown(context.Background())
	rep := newFakeReporter()

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		e.Enqueue(newTestDispatch(id, AffinityBackground, 0, rep, noopWork))
	}
	for _, id := range ids {
		assert.Equal(t, id, rep.wait(t).id)
	}
	assert.Equal(t, ids, rep.started())
}

// TestWorkerPoolExecutor_TimeoutFreesWorker verifies an abandoned body does not hold its worker
// Given: a single worker running a body that ignores cancellation
// When: its deadline passes
// Then: it is reported TimedOut, the next execution runs, and the abandoned body is counted until it returns
func TestWorkerPoolExecutor_TimeoutFreesWorker(t *testing.T) {
	logger := &recordingLogger{}
	e := NewWorkerPoolExecutor(1, WithPoolLogger(logger))
	defer e.Shutdown(context.Background())
	rep := newFakeReporter()

	release := make(chan struct{})
	stuck := newTestDispatch("stuck", AffinityBackground, 20*time.Millisecond, rep, func(ec *ExecutionContext) (any, error) {
		<-release
		return "too late", nil
	})
	e.Enqueue(stuck)
	e.Enqueue(newTestDispatch("next", AffinityBackground, 0, rep, func(ec *ExecutionContext) (any, error) {
		return "ok", nil
	}))

	first := rep.wait(t)
	assert.Equal(t, "stuck", first.id)
	assert.Equal(t, StateTimedOut, first.state)
	assert.True(t, stuck.ctx.Err() != nil)

	second := rep.wait(t)
	assert.Equal(t, "next", second.id)
	assert.Equal(t, StateCompleted, second.state)
	require.Eventually(t, func() bool { return e.Stats().Abandoned == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"background execution abandoned after timeout"}, logger.messages("warn"))

	close(release)
	require.Eventually(t, func() bool { return e.Stats().Abandoned == 0 }, 2*time.Second, 5*time.Millisecond)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Len(t, rep.terminal, 2)
}

type panicMetrics struct {
	NilMetrics
	panics atomic.Int32
}

func (m *panicMetrics) RecordExecutionPanic(executor string, panicInfo any) { m.panics.Add(1) }

func TestWorkerPoolExecutor_PanicAndError(t *testing.T) {
	handler := &panicRecorder{}
	metrics := &panicMetrics{}
	e := NewWorkerPoolExecutor(1, WithPoolPanicHandler(handler), WithPoolMetrics(metrics))
	defer e.Shutdown(context.Background())
	rep := newFakeReporter()

	e.Enqueue(newTestDispatch("p", AffinityBackground, 0, rep, func(ec *ExecutionContext) (any, error) {
		panic("kaboom")
	}))
	got := rep.wait(t)
	assert.Equal(t, StateFailed, got.state)
	var wf *WorkFailure
	require.ErrorAs(t, got.result.Err, &wf)
	assert.Equal(t, "kaboom", wf.Panic)
	assert.NotEmpty(t, wf.Stack)
	assert.Equal(t, 1, handler.count())
	assert.Equal(t, int32(1), metrics.panics.Load())

	e.Enqueue(newTestDispatch("v", AffinityBackground, 0, rep, func(ec *ExecutionContext) (any, error) {
		return nil, ec.RequireMain("widget.show")
	}))
	got = rep.wait(t)
	assert.Equal(t, StateFailed, got.state)
	assert.True(t, errors.Is(got.result.Err, ErrAffinityViolation))

	e.Enqueue(newTestDispatch("e", AffinityBackground, 0, rep, func(ec *ExecutionContext) (any, error) {
		return nil, errors.New("plain failure")
	}))
	got = rep.wait(t)
	assert.True(t, errors.Is(got.result.Err, ErrWorkFailure))
}

func TestWorkerPoolExecutor_ShutdownAndRemove(t *testing.T) {
	e := NewWorkerPoolExecutor(1)
	rep := newFakeReporter()

	gate := make(chan struct{})
	e.Enqueue(newTestDispatch("busy", AffinityBackground, 0, rep, func(ec *ExecutionContext) (any, error) {
		<-gate
		return nil, nil
	}))
	require.Eventually(t, func() bool { return e.Stats().Running == 1 }, 2*time.Second, 5*time.Millisecond)

	for _, id := range []string{"q1", "q2", "q3"} {
		e.Enqueue(newTestDispatch(id, AffinityBackground, 0, rep, noopWork))
	}
	assert.True(t, e.Remove("q2"))
	assert.False(t, e.Remove("busy"))

	close(gate)
	pending, err := e.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, e.Stats().Closed)

	// q1 and q3 either ran before Shutdown drained the queue or came back pending
	rep.mu.Lock()
	completed := len(rep.terminal)
	rep.mu.Unlock()
	assert.Equal(t, 3, completed+len(pending))

	e.Enqueue(newTestDispatch("late", AffinityBackground, 0, rep, noopWork))
	rep.mu.Lock()
	last := rep.terminal[len(rep.terminal)-1]
	rep.mu.Unlock()
	assert.Equal(t, "late", last.id)
	assert.Equal(t, StateCancelled, last.state)
}

func TestNewWorkerPoolExecutor_PanicsOnBadSize(t *testing.T) {
	assert.Panics(t, func() { NewWorkerPoolExecutor(0) })
	assert.Panics(t, func() { NewWorkerPoolExecutor(maxBackgroundWorkers + 1) })
}

package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-script-launcher/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExecutorSnapshotProvider provides current executor stats snapshots.
type ExecutorSnapshotProvider interface {
	Stats() core.ExecutorStats
}

// CoordinatorSnapshotProvider provides current coordinator stats snapshots.
type CoordinatorSnapshotProvider interface {
	Stats() core.CoordinatorStats
}

// SnapshotPoller periodically exports executor/coordinator Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	executorsMu sync.RWMutex
	executors   map[string]ExecutorSnapshotProvider

	coordinatorsMu sync.RWMutex
	coordinators   map[string]CoordinatorSnapshotProvider

	executorPending   *prom.GaugeVec
	executorRunning   *prom.GaugeVec
	executorAbandoned *prom.GaugeVec
	executorWorkers   *prom.GaugeVec
	executorClosed    *prom.GaugeVec

	coordinatorActive    *prom.GaugeVec
	coordinatorSubmitted *prom.GaugeVec
	coordinatorRejected  *prom.GaugeVec
	coordinatorTerminal  *prom.GaugeVec
	coordinatorClosing   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "launcher",
			Name:      name,
			Help:      help,
		}, labels)
	}

	p := &SnapshotPoller{
		interval:     interval,
		executors:    make(map[string]ExecutorSnapshotProvider),
		coordinators: make(map[string]CoordinatorSnapshotProvider),

		executorPending:   gauge("executor_pending", "Number of Pending executions per executor.", "executor", "mode"),
		executorRunning:   gauge("executor_running", "Number of Running executions per executor.", "executor", "mode"),
		executorAbandoned: gauge("executor_abandoned", "Timed-out bodies still running per executor.", "executor", "mode"),
		executorWorkers:   gauge("executor_workers", "Worker count per executor.", "executor", "mode"),
		executorClosed:    gauge("executor_closed", "Executor closed state (1=closed, 0=open).", "executor", "mode"),

		coordinatorActive:    gauge("coordinator_active", "Non-terminal records in the registry.", "coordinator"),
		coordinatorSubmitted: gauge("coordinator_submitted_total", "Accepted submissions snapshot.", "coordinator"),
		coordinatorRejected:  gauge("coordinator_rejected_total", "Rejected submissions snapshot.", "coordinator"),
		coordinatorTerminal:  gauge("coordinator_terminal_total", "Terminal records by state snapshot.", "coordinator", "state"),
		coordinatorClosing:   gauge("coordinator_shutting_down", "Coordinator shutdown state (1=shutting down, 0=open).", "coordinator"),
	}

	for _, vec := range []**prom.GaugeVec{
		&p.executorPending, &p.executorRunning, &p.executorAbandoned, &p.executorWorkers, &p.executorClosed,
		&p.coordinatorActive, &p.coordinatorSubmitted, &p.coordinatorRejected, &p.coordinatorTerminal, &p.coordinatorClosing,
	} {
		registered, err := registerCollector(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

// AddExecutor adds or replaces an executor snapshot provider by name.
func (p *SnapshotPoller) AddExecutor(name string, provider ExecutorSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "executor")
	p.executorsMu.Lock()
	p.executors[name] = provider
	p.executorsMu.Unlock()
}

// AddCoordinator adds or replaces a coordinator snapshot provider by name.
func (p *SnapshotPoller) AddCoordinator(name string, provider CoordinatorSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "coordinator")
	p.coordinatorsMu.Lock()
	p.coordinators[name] = provider
	p.coordinatorsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.executorsMu.RLock()
	for name, provider := range p.executors {
		stats := provider.Stats()
		mode := stats.Mode.String()
		p.executorPending.WithLabelValues(name, mode).Set(float64(stats.Pending))
		p.executorRunning.WithLabelValues(name, mode).Set(float64(stats.Running))
		p.executorAbandoned.WithLabelValues(name, mode).Set(float64(stats.Abandoned))
		p.executorWorkers.WithLabelValues(name, mode).Set(float64(stats.Workers))
		p.executorClosed.WithLabelValues(name, mode).Set(boolGauge(stats.Closed))
	}
	p.executorsMu.RUnlock()

	p.coordinatorsMu.RLock()
	for name, provider := range p.coordinators {
		stats := provider.Stats()
		p.coordinatorActive.WithLabelValues(name).Set(float64(stats.Active))
		p.coordinatorSubmitted.WithLabelValues(name).Set(float64(stats.Submitted))
		p.coordinatorRejected.WithLabelValues(name).Set(float64(stats.Rejected))
		p.coordinatorTerminal.WithLabelValues(name, core.StateCompleted.String()).Set(float64(stats.Completed))
		p.coordinatorTerminal.WithLabelValues(name, core.StateFailed.String()).Set(float64(stats.Failed))
		p.coordinatorTerminal.WithLabelValues(name, core.StateTimedOut.String()).Set(float64(stats.TimedOut))
		p.coordinatorTerminal.WithLabelValues(name, core.StateCancelled.String()).Set(float64(stats.Cancelled))
		p.coordinatorClosing.WithLabelValues(name).Set(boolGauge(stats.ShuttingDown))
	}
	p.coordinatorsMu.RUnlock()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

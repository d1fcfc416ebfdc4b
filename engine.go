package launcher

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Swind/go-script-launcher/core"
	"github.com/spf13/afero"
)

// Engine is the one initialization point of the launcher: it owns the
// affinity thread (unless the host supplies one), both executors, the
// resolver, the introspection cache, the kind registry and the history.
type Engine struct {
	cfg core.Config

	thread      core.AffinityThread
	ownedThread *core.SingleThreadTaskRunner

	resolver     *core.ThreadAffinityResolver
	introspector *core.CachedIntrospector
	kinds        *core.KindRegistry
	history      *core.MemoryHistory
	main         *core.MainAffinityExecutor
	background   *core.WorkerPoolExecutor
	coordinator  *core.Coordinator
}

type engineOptions struct {
	thread       core.AffinityThread
	logger       core.Logger
	metrics      core.Metrics
	panicHandler core.PanicHandler
	fs           afero.Fs
	mirror       io.Writer
	kinds        *core.KindRegistry
	extraRules   []core.AffinityRule
}

// Option configures New.
type Option func(*engineOptions)

// WithAffinityThread runs Main-mode work on the host's own thread instead of
// a dedicated locked goroutine.
func WithAffinityThread(t core.AffinityThread) Option {
	return func(o *engineOptions) { o.thread = t }
}

// WithLogger sets the logger of every component.
func WithLogger(l core.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithMetrics sets the metrics sink of every component.
func WithMetrics(m core.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithPanicHandler is told about every panicking work body.
func WithPanicHandler(h core.PanicHandler) Option {
	return func(o *engineOptions) { o.panicHandler = h }
}

// WithFs sets the filesystem introspection rules read sources from.
func WithFs(fs afero.Fs) Option {
	return func(o *engineOptions) { o.fs = fs }
}

// WithMirror sets where output is mirrored when cfg.MirrorOutput is set.
func WithMirror(w io.Writer) Option {
	return func(o *engineOptions) { o.mirror = w }
}

// WithKinds replaces the default kind registry.
func WithKinds(r *core.KindRegistry) Option {
	return func(o *engineOptions) { o.kinds = r }
}

// WithRules appends rules after the configured ones.
func WithRules(rules ...core.AffinityRule) Option {
	return func(o *engineOptions) { o.extraRules = append(o.extraRules, rules...) }
}

// New validates cfg and wires a running engine. Call Shutdown to release it.
func New(cfg core.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := engineOptions{
		logger:  core.NewNoOpLogger(),
		metrics: &core.NilMetrics{},
		fs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.panicHandler == nil {
		o.panicHandler = &core.LoggerPanicHandler{Logger: o.logger}
	}
	if o.kinds == nil {
		o.kinds = core.DefaultKindRegistry()
	}

	e := &Engine{
		cfg:          cfg,
		kinds:        o.kinds,
		history:      core.NewMemoryHistory(cfg.HistoryCapacity),
		introspector: core.NewCachedIntrospector(core.NewMarkerScanner(o.fs, markersOrNil(cfg.UnsafeMarkers))),
	}

	rules, err := cfg.BuildRules(e.introspector)
	if err != nil {
		return nil, err
	}
	rules = append(rules, o.extraRules...)
	e.resolver = core.NewThreadAffinityResolver(rules, core.WithResolverLogger(o.logger))

	e.thread = o.thread
	if e.thread == nil {
		e.ownedThread = core.NewSingleThreadTaskRunner(
			core.WithLockOSThread(),
			core.WithRunnerName("affinity"),
			core.WithRunnerPanicHandler(o.panicHandler),
		)
		e.thread = e.ownedThread
	}

	e.main = core.NewMainAffinityExecutor(e.thread,
		core.WithMainPanicHandler(o.panicHandler),
		core.WithMainMetrics(o.metrics),
		core.WithMainLogger(o.logger),
	)
	e.background = core.NewWorkerPoolExecutor(cfg.MaxBackgroundWorkers,
		core.WithPoolPanicHandler(o.panicHandler),
		core.WithPoolMetrics(o.metrics),
		core.WithPoolLogger(o.logger),
	)

	coordOpts := []core.CoordinatorOption{
		core.WithLogger(o.logger),
		core.WithMetrics(o.metrics),
		core.WithHistory(e.history),
		core.WithKindRegistry(e.kinds),
		core.WithHost(cfg.Host),
		core.WithDefaultTimeout(cfg.DefaultTimeout),
		core.WithMainTimeout(cfg.MainThreadTimeout),
		core.WithViolationDetector(core.NewViolationDetector(indicatorsOrNil(cfg.ViolationIndicators))),
	}
	if cfg.MirrorOutput {
		mirror := o.mirror
		if mirror == nil {
			mirror = os.Stdout
		}
		coordOpts = append(coordOpts, core.WithOutputMirror(mirror))
	}
	e.coordinator = core.NewCoordinator(e.resolver, e.main, e.background, coordOpts...)

	o.logger.Info("engine started",
		core.F("workers", cfg.MaxBackgroundWorkers),
		core.F("host", cfg.Host),
		core.F("rules", e.resolver.RuleNames()))
	return e, nil
}

func markersOrNil(m []string) []string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func indicatorsOrNil(m []string) []string {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Submit routes d and returns its execution id.
func (e *Engine) Submit(d core.WorkDescriptor) (string, error) { return e.coordinator.Submit(d) }

// Cancel cancels a Pending execution; see Coordinator.Cancel.
func (e *Engine) Cancel(executionID string) bool { return e.coordinator.Cancel(executionID) }

// GetRecord returns the latest snapshot of an execution.
func (e *Engine) GetRecord(executionID string) (core.ExecutionRecord, bool) {
	return e.coordinator.GetRecord(executionID)
}

// Subscribe registers cb for an execution's events.
func (e *Engine) Subscribe(executionID string, cb core.Subscriber) (func(), error) {
	return e.coordinator.Subscribe(executionID, cb)
}

// Wait blocks until the execution is terminal.
func (e *Engine) Wait(ctx context.Context, executionID string) (core.ExecutionRecord, error) {
	return e.coordinator.WaitTerminal(ctx, executionID)
}

// Run submits d and waits for its terminal record.
func (e *Engine) Run(ctx context.Context, d core.WorkDescriptor) (core.ExecutionRecord, error) {
	id, err := e.Submit(d)
	if err != nil {
		return core.ExecutionRecord{}, err
	}
	return e.Wait(ctx, id)
}

func (e *Engine) Stats() core.CoordinatorStats { return e.coordinator.Stats() }

// History holds the most recent terminal records.
func (e *Engine) History() *core.MemoryHistory { return e.history }

func (e *Engine) Coordinator() *core.Coordinator { return e.coordinator }

func (e *Engine) Resolver() *core.ThreadAffinityResolver { return e.resolver }

func (e *Engine) Kinds() *core.KindRegistry { return e.kinds }

// Introspector is the shared introspection cache; invalidate entries when
// script files change.
func (e *Engine) Introspector() *core.CachedIntrospector { return e.introspector }

func (e *Engine) MainExecutor() *core.MainAffinityExecutor { return e.main }

func (e *Engine) BackgroundExecutor() *core.WorkerPoolExecutor { return e.background }

func (e *Engine) Config() core.Config { return e.cfg }

// Shutdown stops the coordinator and, if the engine created it, the
// affinity thread.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.coordinator.Shutdown(ctx)
	if e.ownedThread != nil {
		e.ownedThread.Stop()
	}
	return err
}

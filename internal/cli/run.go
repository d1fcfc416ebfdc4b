package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	launcher "github.com/Swind/go-script-launcher"
	"github.com/Swind/go-script-launcher/core"
	"github.com/Swind/go-script-launcher/internal/scriptlang"
	obs "github.com/Swind/go-script-launcher/observability/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// ErrExecutionsFailed is returned when at least one script did not complete.
var ErrExecutionsFailed = errors.New("not every execution completed")

type runOptions struct {
	affinity    string
	timeout     time.Duration
	workers     int
	jsonOutput  bool
	metricsAddr string
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [scripts...]",
		Short: "Submit scripts and wait for them",
		Long: `Submit every script at once, then wait for each in argument order.
Scripts the affinity rules do not force onto the affinity thread run on the
background pool concurrently.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.OutOrStdout(), args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.affinity, "affinity", "auto", "preferred affinity: auto, main or background")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-script timeout (0 uses the script header or config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "override maxBackgroundWorkers")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print one JSON record per script")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, paths []string, opts *runOptions) error {
	affinity, err := core.ParseAffinityMode(opts.affinity)
	if err != nil {
		return err
	}

	scripts := make([]*scriptlang.Script, 0, len(paths))
	for _, p := range paths {
		s, err := scriptlang.Load(a.fs, p)
		if err != nil {
			return err
		}
		scripts = append(scripts, s)
	}

	cfg := a.cfg
	if opts.workers > 0 {
		cfg.MaxBackgroundWorkers = opts.workers
	}
	// JSON records carry the output; mirrored text would break the line format
	if opts.jsonOutput {
		cfg.MirrorOutput = false
	}

	engineOpts := []launcher.Option{
		launcher.WithFs(a.fs),
		launcher.WithLogger(a.logger),
		launcher.WithMirror(out),
	}

	var metrics *metricsServer
	if opts.metricsAddr != "" {
		metrics, err = newMetricsServer(opts.metricsAddr)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, launcher.WithMetrics(metrics.exporter))
	}

	engine, err := launcher.New(cfg, engineOpts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("engine shutdown", core.F("error", err))
		}
	}()

	if metrics != nil {
		metrics.start(ctx, engine, a.logger)
		defer metrics.stop()
	}

	ids := make([]string, 0, len(scripts))
	for _, s := range scripts {
		id, err := engine.Submit(s.Descriptor(affinity, opts.timeout))
		if err != nil {
			return fmt.Errorf("submit %s: %w", s.Path, err)
		}
		ids = append(ids, id)
	}

	failed := 0
	for _, id := range ids {
		rec, err := engine.Wait(ctx, id)
		if err != nil {
			// Interrupted: flag what is still running and report what we have
			for _, rest := range ids {
				engine.Cancel(rest)
			}
			return err
		}
		if !rec.Success() {
			failed++
		}
		if err := a.printRecord(out, rec, opts.jsonOutput); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrExecutionsFailed, failed, len(ids))
	}
	return nil
}

func (a *app) printRecord(out io.Writer, rec core.ExecutionRecord, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	// Mirrored output was already written while the script ran
	if !a.cfg.MirrorOutput {
		if text := rec.Text(core.StreamPrimary); text != "" {
			fmt.Fprint(out, text)
		}
		if text := rec.Text(core.StreamSecondary); text != "" {
			fmt.Fprint(out, text)
		}
	}

	line := fmt.Sprintf("[%s] %s on %s in %s", rec.State, rec.Descriptor.ID, rec.Decision.Mode, rec.Duration().Round(time.Millisecond))
	if rec.Decision.Forced {
		line += " (" + rec.Decision.Reason + ")"
	}
	if rec.Result != nil && rec.Result.Err != nil {
		line += ": " + rec.Result.Err.Error()
	} else if rec.Result != nil && rec.Result.Value != nil {
		line += fmt.Sprintf(" => %v", rec.Result.Value)
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

// metricsServer exposes the engine's collectors over HTTP for the duration of a run.
type metricsServer struct {
	exporter *obs.MetricsExporter
	poller   *obs.SnapshotPoller
	server   *http.Server
}

func newMetricsServer(addr string) (*metricsServer, error) {
	reg := prom.NewRegistry()
	exporter, err := obs.NewMetricsExporter("", reg, obs.ExporterOptions{})
	if err != nil {
		return nil, err
	}
	poller, err := obs.NewSnapshotPoller(reg, time.Second)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &metricsServer{
		exporter: exporter,
		poller:   poller,
		server:   &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

func (m *metricsServer) start(ctx context.Context, engine *launcher.Engine, logger core.Logger) {
	m.poller.AddExecutor("main", engine.MainExecutor())
	m.poller.AddExecutor("background", engine.BackgroundExecutor())
	m.poller.AddCoordinator("launcher", engine.Coordinator())
	m.poller.Start(ctx)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", core.F("error", err))
		}
	}()
}

func (m *metricsServer) stop() {
	m.poller.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}

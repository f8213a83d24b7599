// Command systest-run is the thin wiring example tying the registry,
// runner, result writers, performance reporter, and the two optional side
// channels (live feed, status API) together into one runnable process.
// Test discovery is out of scope for this module (see package descriptor),
// so this command takes the test IDs to run directly on the command line
// rather than scanning a directory for descriptor files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/systest/systest/container"
	"github.com/systest/systest/descriptor"
	"github.com/systest/systest/livefeed"
	"github.com/systest/systest/obslog"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/perf"
	"github.com/systest/systest/registry"
	"github.com/systest/systest/runner"
	"github.com/systest/systest/statusapi"
	"github.com/systest/systest/sysconfig"
	"github.com/systest/systest/writer"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse flags.
	var (
		mode      = flag.String("mode", "", "run mode; empty runs every test regardless of declared modes")
		configDir = flag.String("configDir", ".", "directory to search for systest.yaml in addition to the working directory")
		outDir    = flag.String("outdir", "systest-output", "base output directory for every test's per-test output directory")
	)
	flag.Parse()
	testIDs := flag.Args()
	if len(testIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: systest-run [flags] <testID> [testID...]")
		os.Exit(2)
	}

	// 2. Load configuration.
	cfg, err := sysconfig.LoadWithPath(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Runner.Mode = *mode
	}

	// 3. Initialize logging.
	log, err := obslog.New(obslog.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("systest-run starting", zap.Int("tests", len(testIDs)), zap.String("mode", cfg.Runner.Mode))

	// 4. Context with SIGTERM cancellation. SIGINT is deliberately left
	// unhandled here: the runner installs its own SIGINT notifier so it can
	// run the keyboard-interrupt prompt/abort path (sysconfig's
	// runner.promptOnAbort) before deciding whether to cancel.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	// 5. Build the test registry. A real deployment registers its own test
	// classes from its own package at program startup; this command
	// registers one demonstration class so the wiring below is runnable
	// end to end.
	reg := registry.New()
	reg.Register("Noop", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return noopTest{}, nil
	})

	// 6. Build descriptors from the command line.
	descriptors := make([]descriptor.Descriptor, 0, len(testIDs))
	for _, id := range testIDs {
		descriptors = append(descriptors, &descriptor.Static{
			IDValue:        id,
			ClassNameValue: "Noop",
			OutputDirValue: outDirFor(*outDir, id),
			StateValue:     descriptor.Runnable,
		})
	}

	// 7. Result writers.
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory %s: %v\n", *outDir, err)
		os.Exit(1)
	}
	mgr := writer.NewManager(log,
		writer.NewText(filepath.Join(*outDir, "systest.log"), log),
		writer.NewXML(filepath.Join(*outDir, "systest.xml"), log),
	)
	if err := mgr.SetupAll(ctx, len(descriptors)); err != nil {
		log.Warn("one or more writers failed to set up", zap.Error(err))
	}

	// 8. Performance reporter.
	reporter := perf.NewReporter(cfg.Perf, *outDir, []perf.KV{{Key: "mode", Value: cfg.Runner.Mode}})

	sinks := []runner.Sink{mgr}

	// 9. Optional live feed.
	var feedHub *livefeed.Hub
	if cfg.LiveFeed.Enabled {
		feedHub = livefeed.NewHub(log)
		go feedHub.Run(ctx)
		sinks = append(sinks, feedHub)
		log.Info("live feed enabled", zap.String("host", cfg.LiveFeed.Host), zap.Int("port", cfg.LiveFeed.Port))
	}

	// 10. Build the runner.
	r := runner.NewRunner(*cfg, reg, log, sinks...)

	// 11. Optional status API, backed by the runner via a small adapter
	// (statusapi depends only on its RunnerView interface, not on package
	// runner, so the adapter lives here).
	var status *statusapi.Server
	if cfg.Status.Enabled {
		status = statusapi.NewServer(fmt.Sprintf("%s:%d", cfg.Status.Host, cfg.Status.Port), runnerAdapter{r}, log)
		status.Start()
		log.Info("status api listening", zap.String("addr", status.Addr()))
	}

	// 12. Run.
	summary := r.Run(ctx, descriptors)
	log.Info("run complete",
		zap.Int("total", summary.Total),
		zap.String("worst", summary.Worst.String()),
		zap.Bool("keyboard_interrupt", summary.KeyboardInterrupt))

	// 13. Report each published record's wall-clock duration as a
	// performance result. This example command has no tests that report
	// performance data; a real test calls reporter.ReportResult itself
	// during Execute/Validate. Wiring it here just demonstrates the call
	// shape against the run's own wall-clock duration for each test.
	for _, rec := range r.Results() {
		_ = reporter.ReportResult(ctx, rec, rec.Duration.Seconds(), fmt.Sprintf("%s.duration", rec.Descriptor.ID()), perf.UnitSeconds, cfg.Perf.DefaultTolerance, nil)
	}

	// 14. Tear down.
	if err := mgr.CleanupAll(ctx); err != nil {
		log.Warn("one or more writers failed to clean up", zap.Error(err))
	}
	if status != nil {
		if err := status.Stop(); err != nil {
			log.Warn("status api shutdown error", zap.Error(err))
		}
	}

	if summary.Worst != outcome.PASSED || summary.KeyboardInterrupt {
		os.Exit(1)
	}
}

// noopTest is the demonstration test class registered above: every phase
// returns nil without doing anything or reporting an outcome, so each run
// of it settles on NOTVERIFIED. It lets the wiring above be exercised
// without a real test suite.
type noopTest struct{}

func (noopTest) Setup(ctx context.Context) error    { return nil }
func (noopTest) Execute(ctx context.Context) error  { return nil }
func (noopTest) Validate(ctx context.Context) error { return nil }
func (noopTest) Cleanup(ctx context.Context) error  { return nil }

func outDirFor(base, id string) string {
	safe := strings.ReplaceAll(id, string(filepath.Separator), "_")
	return filepath.Join(base, safe)
}

// runnerAdapter satisfies statusapi.RunnerView over a live *runner.Runner.
type runnerAdapter struct{ r *runner.Runner }

func (a runnerAdapter) Snapshot() statusapi.SnapshotView {
	s := a.r.Snapshot()
	return statusapi.SnapshotView{Published: s.Published, ByOutcome: s.ByOutcome, Worst: s.Worst.String()}
}

func (a runnerAdapter) Results() []*container.Record { return a.r.Results() }

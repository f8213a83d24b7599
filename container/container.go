// Package container implements the test container: construction,
// dispatch, and teardown of one (descriptor, cycle) execution.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/systest/systest/apperrors"
	"github.com/systest/systest/descriptor"
	"github.com/systest/systest/obslog"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/procuser"
	"github.com/systest/systest/registry"
	"github.com/systest/systest/sysconfig"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var tracer = otel.Tracer("systest/container")

// Record is the complete result of one (descriptor, cycle) execution: what
// the runner's publish step hands to writers and the performance reporter.
type Record struct {
	Ordinal      int
	Descriptor   descriptor.Descriptor
	Cycle        int
	OutputDir    string
	User         *procuser.User
	Duration     time.Duration
	FinalOutcome outcome.Outcome
	FinalReason  string
	LogLines     []string
}

// Run executes one (descriptor, cycle) pair to completion: it never
// returns an error — every failure mode, including an unrecovered panic
// from the test itself, is folded into the Record's FinalOutcome.
func Run(ctx context.Context, ordinal int, d descriptor.Descriptor, cycle int, cfg sysconfig.Config, reg *registry.Registry, rb registry.Backref, log *obslog.Logger) *Record {
	ctx, span := tracer.Start(ctx, "systest.container")
	defer span.End()

	start := time.Now()
	rec := &Record{Ordinal: ordinal, Descriptor: d, Cycle: cycle}

	outputDir := d.OutputDir()
	if cycle > 0 {
		outputDir = filepath.Join(outputDir, fmt.Sprintf("cycle%d", cycle+1))
	}
	rec.OutputDir = outputDir

	if cycle == 0 {
		purgeDir(outputDir)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		rec.FinalOutcome, rec.FinalReason = outcome.BLOCKED, fmt.Sprintf("create output dir: %v", err)
		rec.Duration = round2(time.Since(start))
		return rec
	}

	level := zapcore.InfoLevel
	if log != nil && log.Zap().Core().Enabled(zapcore.DebugLevel) {
		level = zapcore.DebugLevel
	}
	sink, err := obslog.NewSink(filepath.Join(outputDir, "run.log"), level)
	if err != nil {
		rec.FinalOutcome, rec.FinalReason = outcome.BLOCKED, fmt.Sprintf("open run.log: %v", err)
		rec.Duration = round2(time.Since(start))
		return rec
	}
	defer func() {
		rec.LogLines = sink.Lines()
		_ = sink.Close()
	}()

	u := procuser.NewUser(outputDir, sink.Logger, cfg.Process.Defaults())
	rec.User = u
	defer u.Cleanup()

	o, reason := dispatch(ctx, d, outputDir, cfg, reg, rb, u, sink.Logger)
	scanForCoreFiles(outputDir, u)

	if outs := u.Outcomes(); outs.Len() > 0 {
		if worst := outs.Worst(); worst.Outcome.Precedence() < o.Precedence() {
			o, reason = worst.Outcome, worst.Reason
		}
	}

	rec.FinalOutcome = o
	rec.FinalReason = reason
	rec.Duration = round2(time.Since(start))

	sink.Logger.Info("test finished", zap.String("outcome", o.String()), zap.Float64("duration_s", rec.Duration.Seconds()))
	cleanupOutputFiles(outputDir, cfg.Runner.Purge, o == outcome.PASSED)

	return rec
}

// cleanupOutputFiles always removes zero-length files from outputDir (a
// test that opens a log file and writes nothing to it shouldn't leave
// clutter behind), and additionally — when purge is enabled and the test
// passed — removes every other file except run.log, since a passing run's
// artifacts have no diagnostic value once the log itself is kept. A
// removal failure is tolerated: the file may still be held open by a
// just-exited child process for a brief window, so each removal gets up
// to three attempts, 100ms apart, before being given up on silently.
func cleanupOutputFiles(outputDir string, purge, passed bool) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(outputDir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}

		remove := info.Size() == 0
		if purge && passed && e.Name() != "run.log" {
			remove = true
		}
		if remove {
			removeWithRetries(path)
		}
	}
}

func removeWithRetries(path string) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// dispatch runs the state/mode checks and the Setup -> Execute -> Validate
// phases, recovering any panic into an Unexpected -> BLOCKED outcome
// (Go has no catchable "unexpected exception" class, so a deferred
// recover stands in for one). Once the test has been constructed, its
// Cleanup runs however dispatch ends (completion, abort, error or panic).
// A test that runs every phase to completion without aborting settles on
// the worst outcome recorded through its User, or, when it recorded
// nothing, on NOTVERIFIED, not PASSED: nothing was actually checked.
func dispatch(ctx context.Context, d descriptor.Descriptor, outputDir string, cfg sysconfig.Config, reg *registry.Registry, rb registry.Backref, u *procuser.User, log *obslog.Logger) (o outcome.Outcome, reason string) {
	o, reason = outcome.NOTVERIFIED, ""

	defer func() {
		if r := recover(); r != nil {
			err := apperrors.Unexpected("unhandled panic in test dispatch", fmt.Errorf("%v\n%s", r, debug.Stack()))
			log.Error("test panicked", zap.String("panic", fmt.Sprint(r)))
			o, reason = outcome.BLOCKED, err.Error()
		}
	}()

	if d.State() != descriptor.Runnable {
		return outcome.SKIPPED, fmt.Sprintf("descriptor state is %s", d.State())
	}
	if mode := cfg.Runner.Mode; mode != "" && !descriptor.SupportsMode(d, mode) {
		return outcome.SKIPPED, fmt.Sprintf("descriptor does not support mode %q", mode)
	}

	factory, err := reg.Lookup(d.ClassName())
	if err != nil {
		return outcome.BLOCKED, err.Error()
	}

	test, err := factory(d, outputDir, rb)
	if err != nil {
		return outcome.BLOCKED, fmt.Sprintf("construct test: %v", err)
	}
	defer func() {
		if err := safely(test.Cleanup, ctx); err != nil {
			log.Warn("test Cleanup returned an error", zap.Error(err))
		}
	}()

	for _, phase := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"setup", test.Setup},
		{"execute", test.Execute},
		{"validate", test.Validate},
	} {
		phaseCtx, phaseSpan := tracer.Start(ctx, "systest.container."+phase.name)
		err := phase.run(phaseCtx)
		phaseSpan.End()
		if err == nil {
			continue
		}

		var appErr *apperrors.Error
		if apperrors.As(err, &appErr) && appErr.Kind == apperrors.KindAbort {
			return appErr.Outcome, appErr.Message
		}
		log.Error("phase failed", zap.String("phase", phase.name), zap.Error(err))
		return outcome.BLOCKED, fmt.Sprintf("%s: %v", phase.name, err)
	}

	worst := u.Outcomes().Worst()
	return worst.Outcome, worst.Reason
}

// safely invokes fn, recovering a panic into an error so a faulty
// Cleanup implementation can't bring down the whole dispatch step.
func safely(fn func(context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Unexpected("panic in Cleanup", fmt.Errorf("%v", r))
		}
	}()
	return fn(ctx)
}

// purgeDir recursively removes the contents of dir (without following
// symlinks, matching the cycle-0 purge step) but leaves dir
// itself in place.
func purgeDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

// scanForCoreFiles does a non-recursive scan of outputDir for regular
// files named core*, raising DUMPEDCORE if any are found.
func scanForCoreFiles(outputDir string, u *procuser.User) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "core") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		_ = u.AddOutcome(outcome.DUMPEDCORE, fmt.Sprintf("core file found: %s", e.Name()), true, false)
	}
}

func round2(d time.Duration) time.Duration {
	return (d + 5*time.Millisecond) / (10 * time.Millisecond) * (10 * time.Millisecond)
}

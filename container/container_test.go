package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/systest/systest/apperrors"
	"github.com/systest/systest/descriptor"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/registry"
	"github.com/systest/systest/sysconfig"
)

type fakeBackref struct{ subdir string }

func (f fakeBackref) OutputSubdir() string { return f.subdir }

type stubTest struct {
	setupErr, execErr, validateErr, cleanupErr error
	cleaned                                    *bool
}

func (s stubTest) Setup(ctx context.Context) error    { return s.setupErr }
func (s stubTest) Execute(ctx context.Context) error  { return s.execErr }
func (s stubTest) Validate(ctx context.Context) error { return s.validateErr }
func (s stubTest) Cleanup(ctx context.Context) error {
	if s.cleaned != nil {
		*s.cleaned = true
	}
	return s.cleanupErr
}

func newTestConfig() sysconfig.Config {
	var cfg sysconfig.Config
	cfg.Process.DefaultTimeoutSeconds = 5
	cfg.Process.PollIntervalMillis = 5
	return cfg
}

func newDescriptor(t *testing.T, className string) *descriptor.Static {
	t.Helper()
	return &descriptor.Static{
		IDValue:        "sample.test",
		ClassNameValue: className,
		OutputDirValue: t.TempDir(),
		StateValue:     descriptor.Runnable,
	}
}

func TestRunPassesThroughAllPhases(t *testing.T) {
	reg := registry.New()
	cleaned := false
	reg.Register("PassingTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return stubTest{cleaned: &cleaned}, nil
	})

	d := newDescriptor(t, "PassingTest")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	// Every phase ran to completion and nothing was ever reported through
	// the test's User, so the final outcome is NOTVERIFIED rather than
	// PASSED: completing without error isn't the same as having checked
	// anything.
	if rec.FinalOutcome != outcome.NOTVERIFIED {
		t.Fatalf("expected NOTVERIFIED, got %s (%s)", rec.FinalOutcome, rec.FinalReason)
	}
	if !cleaned {
		t.Fatal("expected test Cleanup to have run")
	}
	if _, err := os.Stat(filepath.Join(rec.OutputDir, "run.log")); err != nil {
		t.Fatalf("expected run.log to exist: %v", err)
	}
}

// TestRunReportsNotVerifiedWhenNoOutcomeReported exercises the bare
// demonstration-test shape (every phase returns nil, nothing is ever
// reported) directly, matching cmd/systest-run's registered Noop class.
func TestRunReportsNotVerifiedWhenNoOutcomeReported(t *testing.T) {
	reg := registry.New()
	reg.Register("Noop", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return stubTest{}, nil
	})

	d := newDescriptor(t, "Noop")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.NOTVERIFIED {
		t.Fatalf("expected NOTVERIFIED, got %s (%s)", rec.FinalOutcome, rec.FinalReason)
	}
}

func TestRunSkipsNonRunnableDescriptor(t *testing.T) {
	reg := registry.New()
	d := newDescriptor(t, "Anything")
	d.StateValue = descriptor.Deprecated

	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)
	if rec.FinalOutcome != outcome.SKIPPED {
		t.Fatalf("expected SKIPPED, got %s", rec.FinalOutcome)
	}
}

func TestRunSkipsUnsupportedMode(t *testing.T) {
	reg := registry.New()
	d := newDescriptor(t, "Anything")
	d.ModesValue = []string{"release"}

	cfg := newTestConfig()
	cfg.Runner.Mode = "debug"

	rec := Run(context.Background(), 0, d, 0, cfg, reg, fakeBackref{}, nil)
	if rec.FinalOutcome != outcome.SKIPPED {
		t.Fatalf("expected SKIPPED, got %s", rec.FinalOutcome)
	}
}

func TestRunBlocksOnUnregisteredClass(t *testing.T) {
	reg := registry.New()
	d := newDescriptor(t, "NeverRegistered")

	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)
	if rec.FinalOutcome != outcome.BLOCKED {
		t.Fatalf("expected BLOCKED, got %s", rec.FinalOutcome)
	}
}

func TestRunHonorsAbortFromExecute(t *testing.T) {
	reg := registry.New()
	reg.Register("AbortingTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return stubTest{execErr: apperrors.Abort(outcome.FAILED, "explicit failure")}, nil
	})

	d := newDescriptor(t, "AbortingTest")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.FAILED {
		t.Fatalf("expected FAILED, got %s", rec.FinalOutcome)
	}
	if rec.FinalReason != "explicit failure" {
		t.Fatalf("unexpected reason: %q", rec.FinalReason)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	reg := registry.New()
	reg.Register("PanickingTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return panickingTest{}, nil
	})

	d := newDescriptor(t, "PanickingTest")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.BLOCKED {
		t.Fatalf("expected BLOCKED after recovered panic, got %s", rec.FinalOutcome)
	}
}

type panickingTest struct{}

func (panickingTest) Setup(ctx context.Context) error   { return nil }
func (panickingTest) Execute(ctx context.Context) error { panic("boom") }
func (panickingTest) Validate(ctx context.Context) error { return nil }
func (panickingTest) Cleanup(ctx context.Context) error  { return nil }

func TestRunDetectsCoreFiles(t *testing.T) {
	reg := registry.New()
	reg.Register("DumpingTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		if err := os.WriteFile(filepath.Join(outputDir, "core.1234"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		return stubTest{}, nil
	})

	d := newDescriptor(t, "DumpingTest")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.DUMPEDCORE {
		t.Fatalf("expected DUMPEDCORE, got %s", rec.FinalOutcome)
	}
}

func TestRunAlwaysRemovesZeroLengthFiles(t *testing.T) {
	reg := registry.New()
	reg.Register("EmptyFileTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		if err := os.WriteFile(filepath.Join(outputDir, "empty.txt"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		return stubTest{}, nil
	})

	d := newDescriptor(t, "EmptyFileTest")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	// Zero-length file removal runs regardless of the final outcome, so
	// the stub test's unreported (NOTVERIFIED) result doesn't matter here.
	if rec.FinalOutcome != outcome.NOTVERIFIED {
		t.Fatalf("expected NOTVERIFIED, got %s", rec.FinalOutcome)
	}
	if _, err := os.Stat(filepath.Join(rec.OutputDir, "empty.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected empty.txt to be removed, stat error: %v", err)
	}
}

func TestRunPurgeRemovesNonLogFilesOnlyWhenPassed(t *testing.T) {
	reg := registry.New()
	reg.Register("ArtifactTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		if err := os.WriteFile(filepath.Join(outputDir, "artifact.txt"), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
		return stubTest{validateErr: apperrors.Abort(outcome.PASSED, "explicit pass")}, nil
	})

	d := newDescriptor(t, "ArtifactTest")
	cfg := newTestConfig()
	cfg.Runner.Purge = true
	rec := Run(context.Background(), 0, d, 0, cfg, reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.PASSED {
		t.Fatalf("expected PASSED, got %s", rec.FinalOutcome)
	}
	if _, err := os.Stat(filepath.Join(rec.OutputDir, "artifact.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected artifact.txt to be purged on a passing run, stat error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rec.OutputDir, "run.log")); err != nil {
		t.Fatalf("expected run.log to survive purge: %v", err)
	}
}

func TestRunPurgeKeepsArtifactsWhenNotPassed(t *testing.T) {
	reg := registry.New()
	reg.Register("FailingArtifactTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		if err := os.WriteFile(filepath.Join(outputDir, "artifact.txt"), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
		return stubTest{execErr: apperrors.Abort(outcome.FAILED, "boom")}, nil
	})

	d := newDescriptor(t, "FailingArtifactTest")
	cfg := newTestConfig()
	cfg.Runner.Purge = true
	rec := Run(context.Background(), 0, d, 0, cfg, reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.FAILED {
		t.Fatalf("expected FAILED, got %s", rec.FinalOutcome)
	}
	if _, err := os.Stat(filepath.Join(rec.OutputDir, "artifact.txt")); err != nil {
		t.Fatalf("expected artifact.txt to survive on a non-passing run: %v", err)
	}
}

func TestExpectFailConvertsInnerFailureToPass(t *testing.T) {
	reg := registry.New()
	reg.Register("ExpectedFailure", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return &ExpectFail{Inner: stubTest{execErr: apperrors.Abort(outcome.FAILED, "deliberate failure")}}, nil
	})

	d := newDescriptor(t, "ExpectedFailure")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.PASSED {
		t.Fatalf("expected PASSED when the expected failure occurred, got %s (%s)", rec.FinalOutcome, rec.FinalReason)
	}
}

func TestExpectFailRaisesFailedWhenInnerPasses(t *testing.T) {
	reg := registry.New()
	reg.Register("UnexpectedPass", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return &ExpectFail{Inner: stubTest{}}, nil
	})

	d := newDescriptor(t, "UnexpectedPass")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.FAILED {
		t.Fatalf("expected FAILED when the expected failure never occurred, got %s", rec.FinalOutcome)
	}
}

func TestExpectFailPassesThroughUnrelatedAborts(t *testing.T) {
	reg := registry.New()
	reg.Register("OtherAbort", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return &ExpectFail{Inner: stubTest{execErr: apperrors.Abort(outcome.BLOCKED, "unrelated problem")}}, nil
	})

	d := newDescriptor(t, "OtherAbort")
	rec := Run(context.Background(), 0, d, 0, newTestConfig(), reg, fakeBackref{}, nil)

	if rec.FinalOutcome != outcome.BLOCKED {
		t.Fatalf("expected BLOCKED to pass through unmodified, got %s", rec.FinalOutcome)
	}
}

func TestRunNestsCycleSubdirectories(t *testing.T) {
	reg := registry.New()
	reg.Register("CyclicTest", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return stubTest{}, nil
	})

	d := newDescriptor(t, "CyclicTest")
	rec := Run(context.Background(), 0, d, 1, newTestConfig(), reg, fakeBackref{}, nil)

	if filepath.Base(rec.OutputDir) != "cycle2" {
		t.Fatalf("expected output dir under cycle2, got %s", rec.OutputDir)
	}
}

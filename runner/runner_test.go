package runner

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/systest/systest/container"
	"github.com/systest/systest/descriptor"
	"github.com/systest/systest/registry"
	"github.com/systest/systest/sysconfig"
)

// recordingSink captures every published record, in publish order, guarded
// by a mutex since the pooled runner may publish from multiple workers.
type recordingSink struct {
	mu       sync.Mutex
	ordinals []int
}

func (s *recordingSink) Publish(rec *container.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ordinals = append(s.ordinals, rec.Ordinal)
}

func (s *recordingSink) snapshot() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.ordinals))
	copy(out, s.ordinals)
	return out
}

func newDescriptors(t *testing.T, n int) []descriptor.Descriptor {
	t.Helper()
	out := make([]descriptor.Descriptor, n)
	for i := 0; i < n; i++ {
		out[i] = &descriptor.Static{
			IDValue:        "test",
			ClassNameValue: "Immediate",
			OutputDirValue: t.TempDir(),
			StateValue:     descriptor.Runnable,
		}
	}
	return out
}

func newRunnerConfig(threads, cycles int) sysconfig.Config {
	var cfg sysconfig.Config
	cfg.Runner.Threads = threads
	cfg.Runner.Cycles = cycles
	cfg.Process.DefaultTimeoutSeconds = 5
	cfg.Process.PollIntervalMillis = 5
	return cfg
}

type immediateTest struct{}

func (immediateTest) Setup(ctx context.Context) error    { return nil }
func (immediateTest) Execute(ctx context.Context) error  { return nil }
func (immediateTest) Validate(ctx context.Context) error { return nil }
func (immediateTest) Cleanup(ctx context.Context) error  { return nil }

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register("Immediate", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
		return immediateTest{}, nil
	})
	return reg
}

func TestRunPublishesInSubmissionOrderInline(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(newRunnerConfig(1, 1), newTestRegistry(), nil, sink)

	ds := newDescriptors(t, 8)
	summary := r.Run(context.Background(), ds)

	if summary.Total != 8 {
		t.Fatalf("expected 8 jobs, got %d", summary.Total)
	}
	assertStrictlyIncreasing(t, sink.snapshot())
}

func TestRunPublishesInSubmissionOrderPooled(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(newRunnerConfig(4, 1), newTestRegistry(), nil, sink)

	ds := newDescriptors(t, 30)
	summary := r.Run(context.Background(), ds)

	if summary.Total != 30 {
		t.Fatalf("expected 30 jobs, got %d", summary.Total)
	}
	assertStrictlyIncreasing(t, sink.snapshot())
}

// delayedTest sleeps in Execute for a duration derived from its own
// output directory name, so a pool of workers finishes jobs out of
// submission order on purpose — the publish cursor has to reassemble them.
type delayedTest struct{ sleep time.Duration }

func (d delayedTest) Setup(ctx context.Context) error { return nil }
func (d delayedTest) Execute(ctx context.Context) error {
	time.Sleep(d.sleep)
	return nil
}
func (delayedTest) Validate(ctx context.Context) error { return nil }
func (delayedTest) Cleanup(ctx context.Context) error  { return nil }

// TestRunPublishesInSubmissionOrderDespiteOutOfOrderCompletion uses
// testing/synctest's fake clock to force every worker's sleep to
// resolve instantly but in a fully deterministic sequence: job 0 sleeps
// longest, so it finishes last in wall-clock terms even though every
// other job raced ahead of it. The publish cursor must still hand sinks
// strictly increasing ordinals.
func TestRunPublishesInSubmissionOrderDespiteOutOfOrderCompletion(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sink := &recordingSink{}
		reg := registry.New()
		reg.Register("Delayed", func(d descriptor.Descriptor, outputDir string, rb registry.Backref) (registry.Test, error) {
			idx, _ := strconv.Atoi(filepath.Base(outputDir))
			return delayedTest{sleep: time.Duration(6-idx) * 100 * time.Millisecond}, nil
		})
		r := NewRunner(newRunnerConfig(4, 1), reg, nil, sink)

		base := t.TempDir()
		ds := make([]descriptor.Descriptor, 6)
		for i := range ds {
			ds[i] = &descriptor.Static{
				IDValue:        "delayed",
				ClassNameValue: "Delayed",
				OutputDirValue: filepath.Join(base, strconv.Itoa(i)),
				StateValue:     descriptor.Runnable,
			}
		}

		summary := r.Run(context.Background(), ds)
		if summary.Total != 6 {
			t.Fatalf("expected 6 jobs, got %d", summary.Total)
		}
		assertStrictlyIncreasing(t, sink.snapshot())
	})
}

func TestRunExpandsAcrossCycles(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(newRunnerConfig(2, 3), newTestRegistry(), nil, sink)

	ds := newDescriptors(t, 2)
	summary := r.Run(context.Background(), ds)

	if summary.Total != 6 {
		t.Fatalf("expected 2 descriptors * 3 cycles = 6 jobs, got %d", summary.Total)
	}
}

// recordingHooks captures the lifecycle calls it receives: how many times
// Setup and Cleanup ran, and the cycle number of each CycleComplete call,
// in order.
type recordingHooks struct {
	mu       sync.Mutex
	setups   int
	cleanups int
	cycles   []int
	sink     *recordingSink
}

func (h *recordingHooks) Setup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setups++
	return nil
}

func (h *recordingHooks) CycleComplete(ctx context.Context, cycle int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycles = append(h.cycles, cycle)
	return nil
}

func (h *recordingHooks) Cleanup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups++
	return nil
}

func TestRunFiresHooksOncePerCycleBoundary(t *testing.T) {
	sink := &recordingSink{}
	hooks := &recordingHooks{sink: sink}
	r := NewRunner(newRunnerConfig(2, 3), newTestRegistry(), nil, sink)
	r.SetHooks(hooks)

	ds := newDescriptors(t, 4)
	summary := r.Run(context.Background(), ds)

	if summary.Total != 12 {
		t.Fatalf("expected 4 descriptors * 3 cycles = 12 jobs, got %d", summary.Total)
	}
	if hooks.setups != 1 {
		t.Fatalf("expected Setup exactly once, got %d", hooks.setups)
	}
	if hooks.cleanups != 1 {
		t.Fatalf("expected Cleanup exactly once, got %d", hooks.cleanups)
	}
	if got := hooks.cycles; len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("expected CycleComplete(0), CycleComplete(1), CycleComplete(2) in order, got %v", got)
	}
	assertStrictlyIncreasing(t, sink.snapshot())
}

func TestRunReportsKeyboardInterruptWithoutPrompting(t *testing.T) {
	sink := &recordingSink{}
	hooks := &recordingHooks{sink: sink}
	r := NewRunner(newRunnerConfig(1, 2), newTestRegistry(), nil, sink)
	r.SetHooks(hooks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ds := newDescriptors(t, 3)
	summary := r.Run(ctx, ds)

	if !summary.KeyboardInterrupt {
		t.Fatal("expected KeyboardInterrupt to be true when the run is cancelled before it starts")
	}
	if hooks.setups != 1 || hooks.cleanups != 1 {
		t.Fatalf("expected Setup and Cleanup to still run once each on an aborted run, got setups=%d cleanups=%d", hooks.setups, hooks.cleanups)
	}
}

func TestOutputSubdirImplementsBackref(t *testing.T) {
	cfg := newRunnerConfig(1, 1)
	cfg.Runner.OutSubdir = "release-mode"
	r := NewRunner(cfg, newTestRegistry(), nil)

	var rb registry.Backref = r
	if rb.OutputSubdir() != "release-mode" {
		t.Fatalf("expected OutputSubdir to proxy runner config, got %q", rb.OutputSubdir())
	}
}

func assertStrictlyIncreasing(t *testing.T, ordinals []int) {
	t.Helper()
	for i := 1; i < len(ordinals); i++ {
		if ordinals[i] <= ordinals[i-1] {
			t.Fatalf("expected strictly increasing publish order, got %v", ordinals)
		}
	}
}

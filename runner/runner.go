// Package runner is the scheduler: it expands a set of descriptors across
// however many cycles were requested, dispatches each (descriptor, cycle)
// pair to the container package over a bounded worker pool, and republishes
// the resulting records to every registered sink in strict submission
// order even though the workers themselves finish out of order.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/systest/systest/container"
	"github.com/systest/systest/descriptor"
	"github.com/systest/systest/obslog"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/registry"
	"github.com/systest/systest/sysconfig"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("systest/runner")

// Sink receives published container.Records in strict submission order.
// writer.Manager (fanning out to the result writers) and the live-feed
// Hub both implement this.
type Sink interface {
	Publish(rec *container.Record)
}

// Hooks lets a caller observe the run's lifecycle: once before the first
// cycle starts, once after every cycle's jobs have all been dispatched and
// published, and once after the last cycle (or an aborted run) finishes.
type Hooks interface {
	Setup(ctx context.Context) error
	CycleComplete(ctx context.Context, cycle int) error
	Cleanup(ctx context.Context) error
}

// noopHooks is the default Hooks implementation: every call is a no-op, so
// a Runner that never has hooks set behaves exactly as if none existed.
type noopHooks struct{}

func (noopHooks) Setup(ctx context.Context) error                    { return nil }
func (noopHooks) CycleComplete(ctx context.Context, cycle int) error { return nil }
func (noopHooks) Cleanup(ctx context.Context) error                  { return nil }

// Summary is the final tally of a Run.
type Summary struct {
	Total             int
	ByOutcome         map[string]int
	Worst             outcome.Outcome
	KeyboardInterrupt bool
}

// job is one (descriptor, cycle) pair to execute, tagged with its global
// submission ordinal.
type job struct {
	ordinal int
	d       descriptor.Descriptor
	cycle   int
}

// Runner owns the worker pool and the publish cursor for one invocation.
type Runner struct {
	cfg   sysconfig.Config
	reg   *registry.Registry
	log   *obslog.Logger
	sink  Sink
	hooks Hooks

	mu          sync.Mutex
	pending     map[int]*container.Record
	nextPublish int
	published   []*container.Record

	interrupted bool
}

// multiSink fans a single Publish call out to every wrapped Sink, in the
// order they were given.
type multiSink struct{ sinks []Sink }

func (m multiSink) Publish(rec *container.Record) {
	for _, s := range m.sinks {
		s.Publish(rec)
	}
}

// NewRunner builds a Runner that dispatches against reg and republishes
// results to sinks, in the order given, once each is ready to publish.
func NewRunner(cfg sysconfig.Config, reg *registry.Registry, log *obslog.Logger, sinks ...Sink) *Runner {
	return &Runner{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		sink:    multiSink{sinks: sinks},
		hooks:   noopHooks{},
		pending: make(map[int]*container.Record),
	}
}

// OutputSubdir implements registry.Backref: tests constructed through this
// Runner can read back the run-wide output subdirectory it was configured
// with.
func (r *Runner) OutputSubdir() string { return r.cfg.Runner.OutSubdir }

// SetHooks installs h as the Runner's lifecycle observer, replacing the
// default no-op. Must be called before Run.
func (r *Runner) SetHooks(h Hooks) {
	if h == nil {
		h = noopHooks{}
	}
	r.hooks = h
}

// Run executes every descriptor in ds for cfg.Runner.Cycles cycles each,
// dispatching one cycle's jobs at a time so Hooks.CycleComplete can fire at
// each cycle boundary, and returns a Summary once every job has been
// dispatched, finished, and published (or the run was aborted on keyboard
// interrupt).
//
// A SIGINT during a cycle lets its in-flight jobs finish but stops
// scheduling new ones within that cycle. What happens next depends on
// cfg.Runner.PromptOnAbort: if set, the user is asked on stdin whether to
// keep running, and a "yes" resumes scheduling from the next cycle; any
// other answer, or PromptOnAbort unset, ends the run immediately after
// running Hooks.Cleanup. Summary.KeyboardInterrupt reports whether the run
// ended this way, independent of Summary.Worst.
func (r *Runner) Run(parentCtx context.Context, ds []descriptor.Descriptor) *Summary {
	baseCtx, span := tracer.Start(parentCtx, "systest.run")
	defer span.End()

	cycles := r.cfg.Runner.Cycles
	if cycles <= 0 {
		cycles = 1
	}
	total := len(ds) * cycles

	if r.log != nil {
		r.log.Info("run starting", zap.Int("jobs", total), zap.Int("threads", r.cfg.Runner.Threads))
	}
	if err := r.hooks.Setup(baseCtx); err != nil && r.log != nil {
		r.log.Warn("hooks Setup returned an error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt)
	defer func() { stop() }()

	ordinal := 0
	aborted := false
	for cycle := 0; cycle < cycles; cycle++ {
		jobs := make([]job, 0, len(ds))
		for _, d := range ds {
			jobs = append(jobs, job{ordinal: ordinal, d: d, cycle: cycle})
			ordinal++
		}

		if r.cfg.Runner.Threads <= 1 {
			r.runInline(ctx, jobs)
		} else {
			r.runPooled(ctx, jobs)
		}

		r.mu.Lock()
		interrupted := r.interrupted
		r.mu.Unlock()

		if err := r.hooks.CycleComplete(baseCtx, cycle); err != nil && r.log != nil {
			r.log.Warn("hooks CycleComplete returned an error", zap.Int("cycle", cycle), zap.Error(err))
		}

		if !interrupted {
			continue
		}
		if r.promptContinue() {
			r.mu.Lock()
			r.interrupted = false
			r.mu.Unlock()
			stop()
			ctx, stop = signal.NotifyContext(baseCtx, os.Interrupt)
			continue
		}
		aborted = true
		break
	}

	if err := r.hooks.Cleanup(baseCtx); err != nil && r.log != nil {
		r.log.Warn("hooks Cleanup returned an error", zap.Error(err))
	}

	summary := r.summarize(total, aborted)
	if r.log != nil {
		r.log.Info("run finished", zap.Int("total", summary.Total), zap.String("worst", summary.Worst.String()), zap.Bool("keyboard_interrupt", summary.KeyboardInterrupt))
	}
	return summary
}

// promptContinue implements the keyboard-interrupt prompt: when
// cfg.Runner.PromptOnAbort is unset, an interrupt always ends the run.
// When set, it asks on stdin whether to keep going; any answer other than
// "y"/"yes" (including a read error, e.g. stdin isn't a terminal) also
// ends the run.
func (r *Runner) promptContinue() bool {
	if !r.cfg.Runner.PromptOnAbort {
		return false
	}
	fmt.Fprint(os.Stderr, "Keyboard interrupt: continue running tests? [yes|no] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// runInline bypasses the worker pool entirely for the common single-thread
// case, dispatching jobs one at a time on the calling goroutine.
func (r *Runner) runInline(ctx context.Context, jobs []job) {
	for _, j := range jobs {
		if r.cancelled(ctx) {
			r.mu.Lock()
			r.interrupted = true
			r.mu.Unlock()
			return
		}
		r.execute(ctx, j)
	}
}

// runPooled dispatches jobs across cfg.Runner.Threads worker goroutines.
func (r *Runner) runPooled(ctx context.Context, jobs []job) {
	queue := make(chan job)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Runner.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				r.execute(ctx, j)
			}
		}()
	}

feed:
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.interrupted = true
			r.mu.Unlock()
			break feed
		case queue <- j:
		}
	}
	close(queue)
	wg.Wait()
}

func (r *Runner) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// execute runs one job through the container package, then stages its
// record for publication under the ordering lock.
func (r *Runner) execute(ctx context.Context, j job) {
	rec := container.Run(ctx, j.ordinal, j.d, j.cycle, r.cfg, r.reg, r, r.log)
	r.stageAndPublish(rec)
}

// stageAndPublish records rec in the pending map and flushes every
// contiguous run of ready ordinals starting at the publish cursor, so
// sinks always observe records in submission order regardless of which
// worker finished them first.
func (r *Runner) stageAndPublish(rec *container.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[rec.Ordinal] = rec
	for {
		next, ok := r.pending[r.nextPublish]
		if !ok {
			return
		}
		delete(r.pending, r.nextPublish)
		r.nextPublish++
		r.published = append(r.published, next)
		if r.log != nil {
			for _, line := range next.LogLines {
				r.log.Info("test log", zap.Int("ordinal", next.Ordinal), zap.String("line", strings.TrimRight(line, "\n")))
			}
		}
		r.sink.Publish(next)
	}
}

// Snapshot is a thread-safe, in-progress view of the run so far, meant for
// a status endpoint polling a live run rather than waiting for Run to
// return.
type Snapshot struct {
	Published int
	ByOutcome map[string]int
	Worst     outcome.Outcome
}

// Snapshot returns the run's current progress. Safe to call concurrently
// with Run from another goroutine.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{ByOutcome: make(map[string]int), Worst: outcome.PASSED}
	for _, rec := range r.published {
		s.Published++
		s.ByOutcome[rec.FinalOutcome.String()]++
		if rec.FinalOutcome.Precedence() < s.Worst.Precedence() {
			s.Worst = rec.FinalOutcome
		}
	}
	return s
}

// Results returns every record published so far, in publish order. The
// returned slice is a copy and safe for the caller to range over freely.
func (r *Runner) Results() []*container.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*container.Record, len(r.published))
	copy(out, r.published)
	return out
}

func (r *Runner) summarize(total int, aborted bool) *Summary {
	s := &Summary{
		Total:             total,
		ByOutcome:         make(map[string]int),
		Worst:             outcome.PASSED,
		KeyboardInterrupt: aborted,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.published {
		s.ByOutcome[rec.FinalOutcome.String()]++
		if rec.FinalOutcome.Precedence() < s.Worst.Precedence() {
			s.Worst = rec.FinalOutcome
		}
	}
	return s
}

// Package writer implements the two canonical end-of-run result writers:
// a flat text summary and a structured XML summary. Both are invoked once
// per published container.Record, in publish order, and flush to disk at
// Cleanup.
package writer

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/systest/systest/container"
	"github.com/systest/systest/obslog"
	"github.com/systest/systest/outcome"
	"go.uber.org/zap"
)

// Writer is the interface every result writer implements; the runner
// treats a writer failure as non-fatal to the run it is reporting on.
type Writer interface {
	Setup(ctx context.Context, numTests int) error
	ProcessResult(ctx context.Context, rec *container.Record) error
	Cleanup(ctx context.Context) error
}

// header carries the run-wide metadata both writers print: when the run
// started and where it ran.
type header struct {
	Date     string
	Platform string
	Host     string
}

func newHeader() header {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return header{
		Date:     time.Now().Format(time.RFC3339),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Host:     host,
	}
}

// Text writes one header line followed by one "OUTCOME: id" line per test,
// grouped by outcome in precedence order.
type Text struct {
	path string
	log  *obslog.Logger

	mu      sync.Mutex
	file    *os.File
	header  header
	buckets map[outcome.Outcome][]string
}

// NewText returns a Text writer that will create path at Setup.
func NewText(path string, log *obslog.Logger) *Text {
	return &Text{path: path, log: log, buckets: make(map[outcome.Outcome][]string)}
}

func (w *Text) Setup(ctx context.Context, numTests int) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open text writer output %s: %w", w.path, err)
	}
	w.file = f
	w.header = newHeader()
	return nil
}

func (w *Text) ProcessResult(ctx context.Context, rec *container.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets[rec.FinalOutcome] = append(w.buckets[rec.FinalOutcome], rec.Descriptor.ID())
	return nil
}

func (w *Text) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	defer func() {
		if err := w.file.Close(); err != nil && w.log != nil {
			w.log.Warn("text writer: failed to close output file", zap.Error(err))
		}
	}()

	var b strings.Builder
	fmt.Fprintf(&b, "date=%s platform=%s host=%s\n", w.header.Date, w.header.Platform, w.header.Host)
	for o := outcome.SKIPPED; o <= outcome.PASSED; o++ {
		for _, id := range w.buckets[o] {
			fmt.Fprintf(&b, "%s: %s\n", o.String(), id)
		}
	}

	if _, err := w.file.WriteString(b.String()); err != nil {
		if w.log != nil {
			w.log.Warn("text writer: failed to flush output", zap.Error(err))
		}
		return err
	}
	return nil
}

// Manager fans out published records to every registered Writer and
// implements runner.Sink, so it can be handed straight to runner.NewRunner.
// A single writer's failure is logged and does not stop the others or the
// run it is reporting on.
type Manager struct {
	writers []Writer
	log     *obslog.Logger
}

// NewManager returns a Manager over writers, in the order Setup/Cleanup
// will be called.
func NewManager(log *obslog.Logger, writers ...Writer) *Manager {
	return &Manager{writers: writers, log: log}
}

// SetupAll calls Setup on every writer, even if an earlier one errors, and
// returns the first error encountered.
func (m *Manager) SetupAll(ctx context.Context, numTests int) error {
	var first error
	for _, w := range m.writers {
		if err := w.Setup(ctx, numTests); err != nil {
			if m.log != nil {
				m.log.Warn("writer setup failed", zap.Error(err))
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Publish implements runner.Sink.
func (m *Manager) Publish(rec *container.Record) {
	for _, w := range m.writers {
		if err := w.ProcessResult(context.Background(), rec); err != nil && m.log != nil {
			m.log.Warn("writer failed to process a result", zap.Error(err))
		}
	}
}

// CleanupAll calls Cleanup on every writer, even if an earlier one errors.
func (m *Manager) CleanupAll(ctx context.Context) error {
	var first error
	for _, w := range m.writers {
		if err := w.Cleanup(ctx); err != nil {
			if m.log != nil {
				m.log.Warn("writer cleanup failed", zap.Error(err))
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// toUNC rewrites a local filesystem path to UNC form for a remote host,
// stripping a leading Windows drive letter if present and converting every
// separator to a backslash, matching the output-path normalization every
// structured writer in this package applies.
func toUNC(host, path string) string {
	if len(path) >= 2 && path[1] == ':' {
		path = path[2:]
	}
	path = strings.ReplaceAll(path, "/", "\\")
	path = strings.TrimPrefix(path, "\\")
	return fmt.Sprintf(`\\%s\%s`, host, path)
}

package obslog

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnwritablePath(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "json", OutputPath: filepath.Join(t.TempDir(), "nope", "missing", "out.log")})
	if err == nil {
		t.Fatal("expected an error opening a path in a nonexistent directory")
	}
}

func TestWithFieldsIsImmutable(t *testing.T) {
	base, err := New(Config{Level: "info", Format: "json", OutputPath: filepath.Join(t.TempDir(), "out.log")})
	if err != nil {
		t.Fatal(err)
	}
	derived := base.WithTestID("test-1")
	if base == derived {
		t.Fatal("expected WithTestID to return a distinct Logger")
	}
}

func TestSinkBuffersAndWritesRunLog(t *testing.T) {
	dir := t.TempDir()
	runLog := filepath.Join(dir, "run.log")

	sink, err := NewSink(runLog, zapcore.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	sink.Logger.Info("test started")
	sink.Logger.Error("assertion failed")

	lines := sink.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", len(lines))
	}

	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(runLog)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected run.log to contain the logged records")
	}
}

func TestSinkRespectsLevel(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(filepath.Join(dir, "run.log"), zapcore.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	sink.Logger.Debug("should not be captured")
	if len(sink.Lines()) != 0 {
		t.Fatal("expected debug records to be filtered at info level")
	}
}

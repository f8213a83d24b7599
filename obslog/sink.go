package obslog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink is a per-test log capture. It tees every record written through its
// Logger to a run.log file in the test's output directory, and buffers the
// same records in memory so the runner can flush them contiguously into
// the global log at publish time without interleaving them with whatever
// other tests logged concurrently in between.
//
// A Sink has no handle on the global logger: it is built once per
// container execution and simply discarded at container end, rather than
// attached to and detached from a shared mutable logger.
type Sink struct {
	Logger *Logger

	file   *os.File
	buffer *memCore
}

// NewSink opens runLogPath and returns a Sink whose Logger writes both to
// that file and to an in-memory buffer. level should mirror the level of
// whatever global core is in effect (Debug if the global logger has debug
// enabled, Info otherwise).
func NewSink(runLogPath string, level zapcore.Level) (*Sink, error) {
	f, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	fileCore := zapcore.NewCore(encoder, zapcore.AddSync(f), level)
	mem := &memCore{level: level, encoder: encoder}

	core := zapcore.NewTee(fileCore, mem)
	zapLogger := zap.New(core)

	return &Sink{
		Logger: &Logger{zap: zapLogger, sugar: zapLogger.Sugar()},
		file:   f,
		buffer: mem,
	}, nil
}

// Lines returns the buffered records rendered exactly as they were written
// to run.log, in the order they were logged.
func (s *Sink) Lines() []string { return s.buffer.lines() }

// Close flushes and closes the backing file. The Sink (and its Logger)
// must not be used afterwards.
func (s *Sink) Close() error {
	_ = s.Logger.zap.Sync()
	return s.file.Close()
}

// memCore is a zapcore.Core that renders each record through encoder and
// retains the rendered line, instead of writing it anywhere. It exists
// only to let Sink replay a test's log lines into the global log later.
type memCore struct {
	level   zapcore.LevelEnabler
	encoder zapcore.Encoder

	mu  sync.Mutex
	buf []string

	// root is the Sink's own memCore, which holds buf on behalf of every
	// core derived from it through With; nil on the root itself.
	root *memCore
}

func (c *memCore) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *memCore) With(fields []zapcore.Field) zapcore.Core {
	cloned := c.encoder.Clone()
	for _, f := range fields {
		f.AddTo(cloned)
	}
	root := c.root
	if root == nil {
		root = c
	}
	return &memCore{level: c.level, encoder: cloned, root: root}
}

func (c *memCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *memCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := buf.String()
	buf.Free()

	dst := c
	if c.root != nil {
		dst = c.root
	}
	dst.mu.Lock()
	dst.buf = append(dst.buf, line)
	dst.mu.Unlock()
	return nil
}

func (c *memCore) Sync() error { return nil }

func (c *memCore) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.buf))
	copy(out, c.buf)
	return out
}

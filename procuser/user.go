// Package procuser is the process-user substrate: the set of operations a
// test's Execute/Validate phases call to start and supervise child
// processes, wait for files/sockets/log patterns to appear, and accumulate
// outcomes, Go-shaped using this codebase's mutex-guarded-struct idiom.
package procuser

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/systest/systest/apperrors"
	"github.com/systest/systest/obslog"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/process"
	"github.com/systest/systest/sysconfig"
	"go.uber.org/zap"
)

// portLock serializes socket/port allocation across every User in the
// process.
var portLock sync.Mutex

// User tracks everything one test actor (the test itself, or a fixture it
// owns) has started and needs cleaned up: spawned processes, registered
// cleanup callbacks, allocated output-file name suffixes, claimed TCP
// ports, and the accumulated outcome list.
type User struct {
	outputDir string
	log       *obslog.Logger
	cfg       sysconfig.ProcessDefaults

	mu        sync.Mutex
	processes []*process.Process
	cleanups  []func() error
	nameSeq   map[string]int
	ports     map[int]struct{}
	outcomes  outcome.List
}

// NewUser returns a User scoped to one test's output directory.
func NewUser(outputDir string, log *obslog.Logger, cfg sysconfig.ProcessDefaults) *User {
	return &User{
		outputDir: outputDir,
		log:       log,
		cfg:       cfg,
		nameSeq:   make(map[string]int),
		ports:     make(map[int]struct{}),
	}
}

// AllocateUniqueStdOutErr returns stdout/stderr file names for key, unique
// within this User: the first call returns "key.out"/"key.err", the next
// "key.2.out"/"key.2.err", and so on.
func (u *User) AllocateUniqueStdOutErr(key string) (stdout, stderr string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := u.nameSeq[key]
	u.nameSeq[key] = n + 1

	if n == 0 {
		return key + ".out", key + ".err"
	}
	suffix := fmt.Sprintf(".%d", n+1)
	return key + suffix + ".out", key + suffix + ".err"
}

// StartProcess starts a process via the supervisor and tracks it for
// cleanup. If ignoreExitStatus is false and the process exits non-zero
// (for a Foreground start), it raises FAILED through AddOutcome.
func (u *User) StartProcess(ctx context.Context, opts process.StartOptions, ignoreExitStatus bool) (*process.Process, error) {
	if opts.Timeout <= 0 && opts.State == process.Foreground {
		opts.Timeout = u.cfg.DefaultTimeout
	}

	p, err := process.Start(ctx, u.outputDir, opts)
	if p != nil {
		u.mu.Lock()
		u.processes = append(u.processes, p)
		u.mu.Unlock()
	}
	if err != nil {
		var appErr *apperrors.Error
		if apperrors.As(err, &appErr) && appErr.Kind == apperrors.KindProcessTimeout {
			if aborted := u.AddOutcome(outcome.TIMEDOUT, err.Error(), true, u.cfg.AbortOnError); aborted != nil {
				return p, aborted
			}
			return p, nil
		}
		return p, err
	}

	if !ignoreExitStatus && opts.State == process.Foreground {
		if code, exited := p.ExitStatus(); exited && code != 0 {
			if aborted := u.AddOutcome(outcome.FAILED, fmt.Sprintf("%s exited with code %d", displayName(opts), code), true, u.cfg.AbortOnError); aborted != nil {
				return p, aborted
			}
		}
	}
	return p, nil
}

func displayName(opts process.StartOptions) string {
	if opts.DisplayName != "" {
		return opts.DisplayName
	}
	return opts.Path
}

// StopProcess stops a previously started process.
func (u *User) StopProcess(p *process.Process) error {
	if err := p.Stop(); err != nil {
		return apperrors.ProcessError("stop process", err)
	}
	return nil
}

// SignalProcess sends sig to p. If abortOnError is non-nil it overrides
// the User's default AbortOnError policy for this call.
func (u *User) SignalProcess(p *process.Process, sig syscall.Signal, abortOnError *bool) error {
	if err := p.Signal(sig); err != nil {
		if u.shouldAbort(abortOnError) {
			return u.AddOutcome(outcome.BLOCKED, err.Error(), true, true)
		}
		return err
	}
	return nil
}

// WaitProcess blocks until p exits or timeout elapses (zero uses the
// User's default timeout).
func (u *User) WaitProcess(p *process.Process, timeout time.Duration, abortOnError *bool) error {
	if timeout <= 0 {
		timeout = u.cfg.DefaultTimeout
	}
	if err := p.Wait(timeout); err != nil {
		if u.shouldAbort(abortOnError) {
			return u.AddOutcome(outcome.TIMEDOUT, err.Error(), true, true)
		}
		return err
	}
	return nil
}

func (u *User) shouldAbort(override *bool) bool {
	if override != nil {
		return *override
	}
	return u.cfg.AbortOnError
}

func (u *User) pollInterval() time.Duration {
	if u.cfg.PollInterval > 0 {
		return u.cfg.PollInterval
	}
	return 10 * time.Millisecond
}

// WaitForFile polls for path to exist, at the configured poll cadence
// (10ms by default), until it appears or timeout elapses.
func (u *User) WaitForFile(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(u.pollInterval())
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.ProcessTimeout(fmt.Sprintf("file %s did not appear within %s", path, timeout))
		}
		select {
		case <-ctx.Done():
			return apperrors.ProcessTimeout(fmt.Sprintf("wait for file %s cancelled", path))
		case <-ticker.C:
		}
	}
}

// WaitForSocket polls for a TCP connection to host:port to succeed. If
// watch is non-nil, the wait also fails fast if watch exits before the
// socket becomes available (the process that was supposed to open it
// died).
func (u *User) WaitForSocket(ctx context.Context, port int, host string, timeout time.Duration, watch *process.Process) error {
	if host == "" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(u.pollInterval())
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if watch != nil && !watch.Running() {
			return apperrors.ProcessError(fmt.Sprintf("process watched while waiting for socket %s exited first", addr), nil)
		}
		if time.Now().After(deadline) {
			return apperrors.ProcessTimeout(fmt.Sprintf("socket %s did not become available within %s", addr, timeout))
		}
		select {
		case <-ctx.Done():
			return apperrors.ProcessTimeout(fmt.Sprintf("wait for socket %s cancelled", addr))
		case <-ticker.C:
		}
	}
}

// WaitForSignal polls path, counting regex matches of expr (and, if
// errorExpr is non-empty, failing fast on a match of it), until the match
// count satisfies condition (e.g. ">=1", "==1", ">2") or timeout elapses.
// Returns the matched lines.
func (u *User) WaitForSignal(ctx context.Context, path, expr, condition string, timeout, poll time.Duration, watch *process.Process, errorExpr, encoding string) ([]string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, apperrors.Infrastructure("compile signal expression", err)
	}
	var errRe *regexp.Regexp
	if errorExpr != "" {
		errRe, err = regexp.Compile(errorExpr)
		if err != nil {
			return nil, apperrors.Infrastructure("compile error expression", err)
		}
	}

	cmp, err := parseCondition(condition)
	if err != nil {
		return nil, apperrors.Infrastructure("parse wait condition", err)
	}

	if poll <= 0 {
		poll = u.pollInterval()
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		matches, errLine, scanErr := scanForMatches(path, re, errRe)
		if scanErr == nil {
			if errLine != "" {
				return matches, apperrors.Abort(outcome.BLOCKED, fmt.Sprintf("error pattern %q matched in %s: %s", errorExpr, path, errLine))
			}
			if cmp(len(matches)) {
				return matches, nil
			}
		}

		if watch != nil && !watch.Running() {
			return matches, apperrors.ProcessError(fmt.Sprintf("process watched while waiting for signal in %s exited first", path), nil)
		}
		if time.Now().After(deadline) {
			return matches, apperrors.ProcessTimeout(fmt.Sprintf("signal %q in %s did not satisfy %q within %s", expr, path, condition, timeout))
		}
		select {
		case <-ctx.Done():
			return matches, apperrors.ProcessTimeout(fmt.Sprintf("wait for signal in %s cancelled", path))
		case <-ticker.C:
		}
	}
}

func scanForMatches(path string, re, errRe *regexp.Regexp) (matches []string, errLine string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if errRe != nil && errRe.MatchString(line) {
			return matches, line, nil
		}
		if re.MatchString(line) {
			matches = append(matches, line)
		}
	}
	return matches, "", scanner.Err()
}

// parseCondition compiles a comparison-operator + integer condition
// string like ">=1", "==1", ">2" (operators >=, <=, ==, !=, >, <) into a
// predicate over a match count. A
// small hand-rolled parser is enough for this narrow grammar; no
// third-party expression library in the example pack reaches for this
// concern.
func parseCondition(condition string) (func(n int) bool, error) {
	condition = strings.TrimSpace(condition)
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(condition, op) {
			rest := strings.TrimSpace(strings.TrimPrefix(condition, op))
			n, err := strconv.Atoi(rest)
			if err != nil {
				return nil, fmt.Errorf("invalid condition %q: %w", condition, err)
			}
			switch op {
			case ">=":
				return func(c int) bool { return c >= n }, nil
			case "<=":
				return func(c int) bool { return c <= n }, nil
			case "==":
				return func(c int) bool { return c == n }, nil
			case "!=":
				return func(c int) bool { return c != n }, nil
			case ">":
				return func(c int) bool { return c > n }, nil
			case "<":
				return func(c int) bool { return c < n }, nil
			}
		}
	}
	return nil, fmt.Errorf("invalid condition %q: unrecognized operator", condition)
}

// AddOutcome records an outcome. If abortOnError is true and o is worse
// than PASSED, it returns an *apperrors.Error{Kind: KindAbort} that the
// container's dispatch loop uses to stop the test immediately, matching
// the control-flow-by-error convention used throughout this package.
func (u *User) AddOutcome(o outcome.Outcome, reason string, printReason, abortOnError bool) error {
	u.mu.Lock()
	u.outcomes.Add(o, reason)
	u.mu.Unlock()

	if printReason && u.log != nil {
		u.log.Info("outcome reported", zap.String("outcome", o.String()), zap.String("reason", reason))
	}
	if abortOnError && o != outcome.PASSED {
		return apperrors.Abort(o, reason)
	}
	return nil
}

// Outcome folds the User's outcome list down to its worst entry.
func (u *User) Outcome() outcome.Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outcomes.Worst().Outcome
}

// Outcomes returns the raw accumulated list, for the container to hand to
// writers.
func (u *User) Outcomes() *outcome.List {
	return &u.outcomes
}

// AddCleanupFunction registers fn to run during Cleanup, in LIFO order
// (mirroring defer semantics).
func (u *User) AddCleanupFunction(fn func() error) {
	u.mu.Lock()
	u.cleanups = append(u.cleanups, fn)
	u.mu.Unlock()
}

// Cleanup stops every process this User started (if still running) and
// then runs every registered cleanup function, last-registered first. It
// never stops early: every cleanup step runs even if an earlier one
// errors, with errors logged rather than raised (cleanup must not itself
// abort the test it's cleaning up after).
func (u *User) Cleanup() {
	u.mu.Lock()
	procs := append([]*process.Process(nil), u.processes...)
	cleanups := append([]func() error(nil), u.cleanups...)
	u.mu.Unlock()

	for _, p := range procs {
		if p.Running() {
			if err := p.Stop(); err != nil && u.log != nil {
				u.log.Warn("cleanup: failed to stop process", zap.Error(err))
			}
		}
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil && u.log != nil {
			u.log.Warn("cleanup function failed", zap.Error(err))
		}
	}
}

// GetNextAvailableTCPPort claims an ephemeral port not already claimed by
// this User, serialized against every other User in the process via
// portLock.
func (u *User) GetNextAvailableTCPPort() (int, error) {
	portLock.Lock()
	defer portLock.Unlock()

	for {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, apperrors.Infrastructure("allocate tcp port", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		u.mu.Lock()
		_, taken := u.ports[port]
		if !taken {
			u.ports[port] = struct{}{}
		}
		u.mu.Unlock()

		if !taken {
			return port, nil
		}
	}
}

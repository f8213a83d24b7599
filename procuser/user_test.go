package procuser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/systest/systest/apperrors"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/process"
	"github.com/systest/systest/sysconfig"
)

func newTestUser(t *testing.T) (*User, string) {
	t.Helper()
	dir := t.TempDir()
	return NewUser(dir, nil, sysconfig.ProcessDefaults{DefaultTimeout: 2 * time.Second, PollInterval: 5 * time.Millisecond}), dir
}

func TestAllocateUniqueStdOutErrSuffixes(t *testing.T) {
	u, _ := newTestUser(t)

	out1, err1 := u.AllocateUniqueStdOutErr("build")
	out2, err2 := u.AllocateUniqueStdOutErr("build")
	out3, err3 := u.AllocateUniqueStdOutErr("build")

	if out1 != "build.out" || err1 != "build.err" {
		t.Fatalf("unexpected first allocation: %s %s", out1, err1)
	}
	if out2 != "build.2.out" || err2 != "build.2.err" {
		t.Fatalf("unexpected second allocation: %s %s", out2, err2)
	}
	if out3 != "build.3.out" || err3 != "build.3.err" {
		t.Fatalf("unexpected third allocation: %s %s", out3, err3)
	}
}

func TestWaitForFileSucceedsOnceCreated(t *testing.T) {
	u, dir := newTestUser(t)
	path := filepath.Join(dir, "marker.txt")

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(path, []byte("ready"), 0o644)
	}()

	if err := u.WaitForFile(context.Background(), path, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWaitForFileTimesOut(t *testing.T) {
	u, dir := newTestUser(t)
	err := u.WaitForFile(context.Background(), filepath.Join(dir, "never.txt"), 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !apperrors.Is(err, apperrors.KindProcessTimeout) {
		t.Fatalf("expected KindProcessTimeout, got %v", err)
	}
}

func TestWaitForSignalCountsMatches(t *testing.T) {
	u, dir := newTestUser(t)
	path := filepath.Join(dir, "server.log")
	os.WriteFile(path, []byte("starting\nlistening on :8080\nlistening on :8081\n"), 0o644)

	matches, err := u.WaitForSignal(context.Background(), path, `listening on`, ">=2", time.Second, 0, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

func TestWaitForSignalErrorExprAborts(t *testing.T) {
	u, dir := newTestUser(t)
	path := filepath.Join(dir, "server.log")
	os.WriteFile(path, []byte("fatal: address already in use\n"), 0o644)

	_, err := u.WaitForSignal(context.Background(), path, `listening on`, ">=1", 200*time.Millisecond, 0, nil, `fatal:`, "")
	if !apperrors.Is(err, apperrors.KindAbort) {
		t.Fatalf("expected KindAbort, got %v", err)
	}
}

func TestAddOutcomeAbortsWhenRequested(t *testing.T) {
	u, _ := newTestUser(t)
	err := u.AddOutcome(outcome.FAILED, "boom", false, true)
	if !apperrors.Is(err, apperrors.KindAbort) {
		t.Fatalf("expected an abort error, got %v", err)
	}
	if u.Outcome() != outcome.FAILED {
		t.Fatalf("expected worst outcome FAILED, got %s", u.Outcome())
	}
}

func TestAddOutcomeDoesNotAbortWhenNotRequested(t *testing.T) {
	u, _ := newTestUser(t)
	if err := u.AddOutcome(outcome.FAILED, "boom", false, false); err != nil {
		t.Fatalf("expected no abort, got %v", err)
	}
}

func TestCleanupRunsInLIFOOrderAndStopsProcesses(t *testing.T) {
	u, dir := newTestUser(t)

	p, err := u.StartProcess(context.Background(), process.StartOptions{
		Path:   "/bin/sleep",
		Args:   []string{"5"},
		State:  process.Background,
		Stdout: "out.txt",
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	var order []int
	u.AddCleanupFunction(func() error { order = append(order, 1); return nil })
	u.AddCleanupFunction(func() error { order = append(order, 2); return nil })

	u.Cleanup()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected LIFO cleanup order [2 1], got %v", order)
	}
	if p.Running() {
		t.Fatal("expected Cleanup to stop the tracked process")
	}
	_ = dir
}

func TestGetNextAvailableTCPPortReturnsDistinctPorts(t *testing.T) {
	u, _ := newTestUser(t)
	p1, err := u.GetNextAvailableTCPPort()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := u.GetNextAvailableTCPPort()
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct ports, got %d twice", p1)
	}
}

package sshbridge

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(t.TempDir())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	s.Artifacts.AuthorizedKeysPath = "/home/user/.ssh/authorized_keys"
	return s
}

func TestCleanup_ThreeStepsInOrderDespiteFailure(t *testing.T) {
	s := newTestSession(t)
	rt := newFakeRuntime(t)
	rt.onRun = func(n int, _ string) (sandbox.CommandResult, error, bool) {
		if n == 0 {
			return sandbox.CommandResult{}, errors.New("exec failed"), true
		}
		return sandbox.CommandResult{}, nil, false
	}

	failures := Cleanup(context.Background(), rt, s, CleanupOptions{})

	calls := rt.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 remote calls, got %d", len(calls))
	}
	if !strings.Contains(calls[0].command, s.Artifacts.ForwarderPidPath) {
		t.Errorf("first call should stop the forwarder: %q", calls[0].command)
	}
	if !strings.Contains(calls[1].command, SSHDPidPath) {
		t.Errorf("second call should stop sshd: %q", calls[1].command)
	}
	if !strings.Contains(calls[2].command, "rm -f "+s.Artifacts.HostPrivateKeyPath) {
		t.Errorf("third call should remove files: %q", calls[2].command)
	}

	if len(failures) != 1 || failures[0].Step != CleanupStopForwarder {
		t.Errorf("failures = %v", failures)
	}
	if _, err := os.Stat(s.TempDir); !os.IsNotExist(err) {
		t.Errorf("temp dir still present: %v", err)
	}
	if s.State() != StateCleaned {
		t.Errorf("state = %s", s.State())
	}
}

func TestCleanup_NonZeroExitReported(t *testing.T) {
	s := newTestSession(t)
	rt := newFakeRuntime(t)
	rt.onRun = func(n int, _ string) (sandbox.CommandResult, error, bool) {
		return sandbox.CommandResult{ExitCode: 1}, nil, true
	}

	failures := Cleanup(context.Background(), rt, s, CleanupOptions{})
	if len(failures) != 3 {
		t.Fatalf("expected every step reported, got %d", len(failures))
	}
	want := []string{CleanupStopForwarder, CleanupStopSSHD, CleanupRemoveFiles}
	for i, f := range failures {
		if f.Step != want[i] {
			t.Errorf("failure %d step = %q, want %q", i, f.Step, want[i])
		}
	}
}

func TestCleanup_RemovesTrustMaterial(t *testing.T) {
	s := newTestSession(t)
	rt := newFakeRuntime(t)

	Cleanup(context.Background(), rt, s, CleanupOptions{})

	rm := rt.snapshot()[2].command
	for _, p := range []string{
		s.Artifacts.AuthorizedKeysPath,
		s.Artifacts.HostPrivateKeyPath,
		s.Artifacts.HostPublicKeyPath,
		s.Artifacts.SSHDConfigPath,
		s.Artifacts.ForwarderLogPath,
		s.Artifacts.ForwarderPidPath,
	} {
		if !strings.Contains(rm, p) {
			t.Errorf("remove step misses %s: %q", p, rm)
		}
	}
	if !strings.Contains(rm, s.Artifacts.AuthorizedKeyTag) {
		t.Errorf("remove step must drop only the session's authorized key: %q", rm)
	}
	if !strings.HasSuffix(rm, "|| true") {
		t.Errorf("remove step must tolerate missing files: %q", rm)
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	s := newTestSession(t)
	rt := newFakeRuntime(t)

	Cleanup(context.Background(), rt, s, CleanupOptions{})
	failures := Cleanup(context.Background(), rt, s, CleanupOptions{})

	if len(failures) != 0 {
		t.Errorf("second cleanup reported %v", failures)
	}
	if n := len(rt.snapshot()); n != 6 {
		t.Errorf("expected 6 calls over two cleanups, got %d", n)
	}
}

func TestCleanup_PartialBootstrap(t *testing.T) {
	s, err := NewSession(t.TempDir())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	rt := newFakeRuntime(t)

	Cleanup(context.Background(), rt, s, CleanupOptions{})

	calls := rt.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	if strings.Contains(calls[2].command, "''") {
		t.Errorf("remove step includes an empty path: %q", calls[2].command)
	}
}

func TestCleanup_CancelledContext(t *testing.T) {
	s := newTestSession(t)
	rt := newFakeRuntime(t)
	var sawCancelled bool
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cr := &ctxRecordingRuntime{fakeRuntime: rt, cancelled: &sawCancelled}
	Cleanup(ctx, cr, s, CleanupOptions{})

	if n := len(rt.snapshot()); n != 3 {
		t.Errorf("expected 3 calls after cancellation, got %d", n)
	}
	if sawCancelled {
		t.Error("cleanup steps received a cancelled context")
	}
}

type ctxRecordingRuntime struct {
	*fakeRuntime
	cancelled *bool
}

func (c *ctxRecordingRuntime) Run(ctx context.Context, command string, opts sandbox.RunOptions) (sandbox.CommandResult, error) {
	if ctx.Err() != nil {
		*c.cancelled = true
	}
	return c.fakeRuntime.Run(ctx, command, opts)
}

func TestCleanup_NilRuntime(t *testing.T) {
	s := newTestSession(t)

	if failures := Cleanup(context.Background(), nil, s, CleanupOptions{}); len(failures) != 0 {
		t.Errorf("failures = %v", failures)
	}
	if _, err := os.Stat(s.TempDir); !os.IsNotExist(err) {
		t.Errorf("temp dir still present: %v", err)
	}
}

func TestCleanup_RecoversPanickingRuntime(t *testing.T) {
	s := newTestSession(t)
	rt := newFakeRuntime(t)
	rt.onRun = func(n int, _ string) (sandbox.CommandResult, error, bool) {
		if n == 1 {
			panic("runtime exploded")
		}
		return sandbox.CommandResult{}, nil, false
	}

	failures := Cleanup(context.Background(), rt, s, CleanupOptions{})
	if len(failures) != 1 || failures[0].Step != CleanupStopSSHD {
		t.Errorf("failures = %v", failures)
	}
	if n := len(rt.snapshot()); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

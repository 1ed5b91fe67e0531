package sshbridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
	"github.com/gluk-w/ezdevbox/internal/sshkeys"
)

type fakeCall struct {
	kind    string // "run", "write" or "host"
	command string
	path    string
	data    []byte
	port    int
	timeout time.Duration
}

// fakeRuntime answers the bootstrap script as a healthy sandbox would.
// onRun, when set, overrides the result of the n-th Run call.
type fakeRuntime struct {
	mu      sync.Mutex
	calls   []fakeCall
	runs    int
	home    string
	hostKey string
	host    string
	hostErr error
	onRun   func(n int, command string) (sandbox.CommandResult, error, bool)
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	pub, _, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	return &fakeRuntime{
		home:    "/home/user",
		hostKey: string(pub),
		host:    "http://127.0.0.1:32768",
	}
}

func (f *fakeRuntime) Run(ctx context.Context, command string, opts sandbox.RunOptions) (sandbox.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{kind: "run", command: command, timeout: opts.Timeout})
	n := f.runs
	f.runs++

	if f.onRun != nil {
		if res, err, ok := f.onRun(n, command); ok {
			return res, err
		}
	}
	switch {
	case strings.Contains(command, `"$HOME"`):
		return sandbox.CommandResult{Stdout: f.home + "\n"}, nil
	case strings.Contains(command, "ssh-keygen"):
		return sandbox.CommandResult{Stdout: f.hostKey}, nil
	}
	return sandbox.CommandResult{}, nil
}

func (f *fakeRuntime) WriteFile(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{kind: "write", path: path, data: data})
	return nil
}

func (f *fakeRuntime) GetHost(ctx context.Context, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{kind: "host", port: port})
	return f.host, f.hostErr
}

func (f *fakeRuntime) snapshot() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func kinds(calls []fakeCall) string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.kind
	}
	return strings.Join(out, ",")
}

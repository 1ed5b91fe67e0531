package sshbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
)

// Web mode serves opencode over HTTP from the sandbox instead of attaching
// a terminal.
const (
	ModeWeb = "web"
	WebPort = 3000

	StepStartWeb = "start-web"
	StepWebURL   = "web-url"

	webPidPath = "/tmp/ezdevbox-web.pid"
	webLogPath = "/tmp/ezdevbox-web.log"

	exitMissingOpenCode = 13
	exitWebDied         = 14
)

// WebCommand is the server web mode starts in the sandbox.
var WebCommand = fmt.Sprintf("opencode serve --hostname 0.0.0.0 --port %d", WebPort)

// WebResult describes a started web server.
type WebResult struct {
	Command string
	URL     string
}

// StartWeb starts the opencode web server in the background, replacing one
// an earlier run left behind, and returns the URL it is reachable at. The
// server keeps running after StartWeb returns.
func StartWeb(ctx context.Context, rt sandbox.Runtime, opts BootstrapOptions) (*WebResult, error) {
	opts = opts.withDefaults()
	b := &bootstrapper{rt: rt, opts: opts, log: opts.Logger.Named("web")}

	script := privilegePrefix + stopByPidFile(webPidPath) + "\n" + fmt.Sprintf(`command -v opencode >/dev/null 2>&1 || exit %[1]d
nohup %[2]s > %[3]s 2>&1 < /dev/null &
echo $! > %[4]s
sleep 1
kill -0 "$(cat %[4]s)" 2>/dev/null || { tail -n 20 %[3]s >&2; exit %[5]d; }
`, exitMissingOpenCode, WebCommand, webLogPath, webPidPath, exitWebDied)
	if _, err := b.run(ctx, StepStartWeb, script, opts.CommandTimeout); err != nil {
		return nil, err
	}

	hostCtx, cancel := context.WithTimeout(ctx, opts.CommandTimeout)
	defer cancel()
	host, err := rt.GetHost(hostCtx, WebPort)
	if err != nil {
		return nil, &BootstrapError{Step: StepWebURL, Err: err}
	}
	url, err := WebURL(host)
	if err != nil {
		return nil, &BootstrapError{Step: StepWebURL, Err: err}
	}

	b.log.Info("web server started", zap.String("url", url))
	return &WebResult{Command: WebCommand, URL: url}, nil
}

// WebURL turns the address reported for the web port into a browser URL.
// http and https addresses are kept; a bare host is assumed to sit behind
// TLS.
func WebURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("empty web host")
	}
	lower := strings.ToLower(host)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return host, nil
	case strings.Contains(host, "://"):
		return "", fmt.Errorf("unsupported web address %q", host)
	default:
		return "https://" + host, nil
	}
}

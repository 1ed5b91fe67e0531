package sshbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
	"github.com/gluk-w/ezdevbox/internal/sshkeys"
)

// Bootstrap step names, as reported in BootstrapError.Step.
const (
	StepInstall      = "install"
	StepAuthorize    = "authorize"
	StepHostKey      = "host-key"
	StepSSHDConfig   = "sshd-config"
	StepStartSSHD    = "start-sshd"
	StepForwarder    = "start-forwarder"
	StepForwarderURL = "forwarder-url"
)

// Exit codes used by the remote scripts to tell failures apart.
const (
	exitMissingSSHD       = 10
	exitMissingWebsockify = 11
	exitForwarderDied     = 12
)

const (
	DefaultInstallTimeout = 5 * time.Minute
	DefaultCommandTimeout = 30 * time.Second
)

// BootstrapOptions bounds the remote steps.
type BootstrapOptions struct {
	InstallTimeout time.Duration
	CommandTimeout time.Duration
	Logger         *zap.Logger
}

func (o BootstrapOptions) withDefaults() BootstrapOptions {
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = DefaultInstallTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// BootstrapResult is what the local side needs to attach.
type BootstrapResult struct {
	ForwarderURL  string
	HostPublicKey ssh.PublicKey
	Artifacts     RemoteArtifacts
}

// Bootstrap prepares the sandbox for one session: tools, authorized key,
// fresh host key, sshd and the WebSocket forwarder. artifacts must already
// hold the planned paths; it is updated in place as paths are resolved so a
// failed bootstrap can still be cleaned up.
//
// Every step is a single remote command. The first failure aborts the
// bootstrap with a *BootstrapError; nothing is retried.
func Bootstrap(ctx context.Context, rt sandbox.Runtime, publicKeyB64 string, artifacts *RemoteArtifacts, opts BootstrapOptions) (*BootstrapResult, error) {
	opts = opts.withDefaults()
	log := opts.Logger.Named("bootstrap")

	if artifacts == nil || artifacts.Dir == "" || artifacts.AuthorizedKeyTag == "" {
		return nil, &BootstrapError{Step: StepInstall, Err: errors.New("remote artifact paths not planned")}
	}
	if raw, err := base64.StdEncoding.DecodeString(publicKeyB64); err != nil || len(raw) == 0 {
		return nil, &BootstrapError{Step: StepAuthorize, Err: errors.New("session public key is not valid base64")}
	}

	b := &bootstrapper{rt: rt, opts: opts, log: log, artifacts: artifacts}

	home, err := b.install(ctx)
	if err != nil {
		return nil, err
	}
	artifacts.AuthorizedKeysPath = path.Join(home, ".ssh", "authorized_keys")

	if err := b.authorize(ctx, publicKeyB64); err != nil {
		return nil, err
	}
	hostKey, err := b.generateHostKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.writeSSHDConfig(ctx); err != nil {
		return nil, err
	}
	if err := b.startSSHD(ctx); err != nil {
		return nil, err
	}
	if err := b.startForwarder(ctx); err != nil {
		return nil, err
	}
	url, err := b.forwarderURL(ctx)
	if err != nil {
		return nil, err
	}

	log.Info("sandbox bootstrapped",
		zap.String("forwarder_url", url),
		zap.String("host_key", ssh.FingerprintSHA256(hostKey)))

	return &BootstrapResult{
		ForwarderURL:  url,
		HostPublicKey: hostKey,
		Artifacts:     *artifacts,
	}, nil
}

type bootstrapper struct {
	rt        sandbox.Runtime
	opts      BootstrapOptions
	log       *zap.Logger
	artifacts *RemoteArtifacts
}

func (b *bootstrapper) run(ctx context.Context, step, command string, timeout time.Duration) (sandbox.CommandResult, error) {
	b.log.Debug("running bootstrap step", zap.String("step", step))
	res, err := sandbox.RunChecked(ctx, b.rt, command, sandbox.RunOptions{Timeout: timeout})
	if err != nil {
		return res, &BootstrapError{Step: step, Remediation: remediation(step, res.ExitCode), Err: err}
	}
	return res, nil
}

// privilegePrefix selects sudo only when the remote user is not root.
const privilegePrefix = `if [ "$(id -u)" -eq 0 ]; then SUDO=""; else SUDO="sudo -n"; fi
export PATH="$HOME/.local/bin:$PATH"
`

func installScript() string {
	return privilegePrefix + fmt.Sprintf(`have_sshd() { command -v sshd >/dev/null 2>&1 || [ -x /usr/sbin/sshd ]; }
if ! have_sshd; then
  $SUDO env DEBIAN_FRONTEND=noninteractive apt-get update -qq >/dev/null 2>&1 || true
  $SUDO env DEBIAN_FRONTEND=noninteractive apt-get install -y -qq openssh-server >/dev/null 2>&1 || true
fi
have_sshd || exit %d
if ! command -v websockify >/dev/null 2>&1; then
  pip3 install --quiet --user websockify >/dev/null 2>&1 ||
    $SUDO env DEBIAN_FRONTEND=noninteractive apt-get install -y -qq websockify >/dev/null 2>&1 || true
fi
command -v websockify >/dev/null 2>&1 || exit %d
printf '%%s\n' "$HOME"
`, exitMissingSSHD, exitMissingWebsockify)
}

func (b *bootstrapper) install(ctx context.Context) (string, error) {
	res, err := b.run(ctx, StepInstall, installScript(), b.opts.InstallTimeout)
	if err != nil {
		return "", err
	}
	home := lastLine(res.Stdout)
	if !strings.HasPrefix(home, "/") {
		return "", &BootstrapError{Step: StepInstall, Err: fmt.Errorf("could not resolve remote home directory (got %q)", home)}
	}
	return home, nil
}

// authorize appends the session key to authorized_keys, tagged with the
// session. Entries left by earlier sessions are dropped; keys that came
// with the image are kept.
func (b *bootstrapper) authorize(ctx context.Context, publicKeyB64 string) error {
	authPath := b.artifacts.AuthorizedKeysPath
	sshDir := path.Dir(authPath)
	tmp := shellquote.Join(authPath + ".ezdevbox-tmp")
	cmd := strings.Join([]string{
		"umask 077",
		shellquote.Join("mkdir", "-p", sshDir),
		shellquote.Join("chmod", "700", sshDir),
		shellquote.Join("touch", authPath),
		shellquote.Join("chmod", "600", authPath),
		`KEY="$(printf '%s' ` + shellquote.Join(publicKeyB64) + ` | base64 -d)"`,
		`[ -n "$KEY" ]`,
		dropAuthorizedEntries(authPath, AuthorizedKeyTagPrefix, tmp),
		`printf '%s %s\n' "$KEY" ` + shellquote.Join(b.artifacts.AuthorizedKeyTag) + " >> " + tmp,
		"cat " + tmp + " > " + shellquote.Join(authPath),
		"rm -f " + tmp,
	}, " && ")
	_, err := b.run(ctx, StepAuthorize, cmd, b.opts.CommandTimeout)
	return err
}

// dropAuthorizedEntries copies authPath to tmp without the lines whose
// comment starts with tag.
func dropAuthorizedEntries(authPath, tag, tmp string) string {
	return fmt.Sprintf("{ grep -v -F -e %s %s > %s || true; }",
		shellquote.Join(" "+tag), shellquote.Join(authPath), tmp)
}

func (b *bootstrapper) generateHostKey(ctx context.Context) (ssh.PublicKey, error) {
	a := b.artifacts
	cmd := strings.Join([]string{
		"umask 077",
		shellquote.Join("mkdir", "-p", a.Dir),
		shellquote.Join("chmod", "700", a.Dir),
		shellquote.Join("rm", "-f", a.HostPrivateKeyPath, a.HostPublicKeyPath),
		shellquote.Join("ssh-keygen", "-q", "-t", "ed25519", "-N", "", "-C", "ezdevbox-host", "-f", a.HostPrivateKeyPath),
		shellquote.Join("cat", a.HostPublicKeyPath),
	}, " && ")
	res, err := b.run(ctx, StepHostKey, cmd, b.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}
	key, err := sshkeys.ParseHostKey(lastLine(res.Stdout))
	if err != nil {
		return nil, &BootstrapError{Step: StepHostKey, Err: err}
	}
	return key, nil
}

func (b *bootstrapper) writeSSHDConfig(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()

	b.log.Debug("running bootstrap step", zap.String("step", StepSSHDConfig))
	config := RenderSSHDConfig(b.artifacts.HostPrivateKeyPath)
	if err := b.rt.WriteFile(ctx, b.artifacts.SSHDConfigPath, []byte(config)); err != nil {
		return &BootstrapError{Step: StepSSHDConfig, Err: err}
	}
	return nil
}

func (b *bootstrapper) startSSHD(ctx context.Context) error {
	a := b.artifacts
	cmd := privilegePrefix + stopByPidFile(a.SSHDPidPath) + "\n" + fmt.Sprintf(`$SUDO mkdir -p /run/sshd 2>/dev/null || true
SSHD="$(command -v sshd || echo /usr/sbin/sshd)"
"$SSHD" -f %s
`, shellquote.Join(a.SSHDConfigPath))
	_, err := b.run(ctx, StepStartSSHD, cmd, b.opts.CommandTimeout)
	return err
}

func (b *bootstrapper) startForwarder(ctx context.Context) error {
	a := b.artifacts
	pid := shellquote.Join(a.ForwarderPidPath)
	logPath := shellquote.Join(a.ForwarderLogPath)
	cmd := privilegePrefix + stopByPidFile(a.ForwarderPidPath) + "\n" + fmt.Sprintf(`nohup websockify 0.0.0.0:%[1]d 127.0.0.1:%[2]d > %[3]s 2>&1 < /dev/null &
echo $! > %[4]s
sleep 1
kill -0 "$(cat %[4]s)" 2>/dev/null || { tail -n 20 %[3]s >&2; exit %[5]d; }
`, ForwarderPort, SSHDPort, logPath, pid, exitForwarderDied)
	_, err := b.run(ctx, StepForwarder, cmd, b.opts.CommandTimeout)
	return err
}

func (b *bootstrapper) forwarderURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()

	host, err := b.rt.GetHost(ctx, ForwarderPort)
	if err != nil {
		return "", &BootstrapError{Step: StepForwarderURL, Err: err}
	}
	url, err := ForwarderURL(host)
	if err != nil {
		return "", &BootstrapError{Step: StepForwarderURL, Err: err}
	}
	return url, nil
}

// ForwarderURL converts the address reported for the forwarder port into a
// WebSocket URL. http maps to ws, https to wss, and a bare host is assumed
// to sit behind TLS.
func ForwarderURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("empty forwarder host")
	}
	lower := strings.ToLower(host)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return "wss://" + host[len("https://"):], nil
	case strings.HasPrefix(lower, "http://"):
		return "ws://" + host[len("http://"):], nil
	case strings.HasPrefix(lower, "wss://"), strings.HasPrefix(lower, "ws://"):
		return host, nil
	case strings.Contains(host, "://"):
		return "", fmt.Errorf("unsupported forwarder address %q", host)
	default:
		return "wss://" + host, nil
	}
}

func remediation(step string, exitCode int) string {
	switch {
	case step == StepInstall && exitCode == exitMissingSSHD:
		return "sshd is not installed and could not be installed; install openssh-server in the sandbox image"
	case step == StepInstall && exitCode == exitMissingWebsockify:
		return "websockify is not installed and could not be installed; install it with pip3 or apt-get in the sandbox image"
	case step == StepForwarder && exitCode == exitForwarderDied:
		return "websockify exited right after start; check that port 8081 is free"
	case step == StepStartSSHD:
		return "sshd refused to start; check that port 2222 is free"
	case step == StepStartWeb && exitCode == exitMissingOpenCode:
		return "opencode is not installed in the sandbox; add it to the sandbox image or a setup command"
	case step == StepStartWeb && exitCode == exitWebDied:
		return "opencode serve exited right after start; check that port 3000 is free"
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

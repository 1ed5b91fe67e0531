package sshbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
	"github.com/gluk-w/ezdevbox/internal/sessionaudit"
	"github.com/gluk-w/ezdevbox/internal/sshkeys"
)

// Options configures a Bridge. Zero durations fall back to the bootstrap
// defaults.
type Options struct {
	// TempRoot is where session directories are created. Empty means the
	// system temp dir.
	TempRoot    string
	RemoteUser  string
	SSHBinary   string
	ProxyBinary string
	// ProxyArgs are global flags placed before "ws-proxy".
	ProxyArgs      []string
	InstallTimeout time.Duration
	CommandTimeout time.Duration
}

// Request names what to run in the sandbox. Command wins over Mode.
type Request struct {
	Mode    string
	Command string
	NoTTY   bool
}

// Bridge drives one interactive session against a sandbox.
type Bridge struct {
	Runtime   sandbox.Runtime
	SandboxID string
	Options   Options
	Audit     *sessionaudit.Auditor
	Logger    *zap.Logger

	// attach runs the interactive client; replaced in tests.
	attach func(ctx context.Context, s *Session, opts RunnerOptions) error
}

// Run mints credentials, bootstraps the sandbox, pins its host key and
// attaches the local terminal. Cleanup always runs before Run returns,
// whatever happened before it.
func (b *Bridge) Run(ctx context.Context, req Request) error {
	if b.Runtime == nil {
		return errors.New("bridge: no sandbox runtime")
	}
	command := req.Command
	if command == "" {
		var err error
		if command, err = ModeCommand(req.Mode); err != nil {
			return err
		}
	}

	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	started := time.Now()

	s, err := NewSession(b.Options.TempRoot)
	if err != nil {
		return err
	}
	log := logger.Named("bridge").With(zap.String("session_id", s.ID), zap.String("sandbox_id", b.SandboxID))
	log.Info("session created")
	b.record(s, sessionaudit.EventSessionCreated, "", 0)

	defer func() {
		failures := Cleanup(ctx, b.Runtime, s, CleanupOptions{
			CommandTimeout: b.Options.CommandTimeout,
			Logger:         logger,
		})
		for _, f := range failures {
			b.record(s, sessionaudit.EventCleanupStepFailed, f.Error(), 0)
		}
		elapsed := time.Since(started)
		b.record(s, sessionaudit.EventSessionCleaned, fmt.Sprintf("failed_steps=%d", len(failures)), elapsed.Milliseconds())
		log.Info("session cleaned",
			zap.Int("failed_steps", len(failures)),
			zap.String("duration", units.HumanDuration(elapsed)))
	}()

	res, err := Bootstrap(ctx, b.Runtime, s.PublicKeyBase64(), &s.Artifacts, BootstrapOptions{
		InstallTimeout: b.Options.InstallTimeout,
		CommandTimeout: b.Options.CommandTimeout,
		Logger:         logger,
	})
	if err != nil {
		b.record(s, sessionaudit.EventBootstrapFailed, err.Error(), 0)
		return err
	}

	if err := b.pin(s, res); err != nil {
		var mismatch *sshkeys.HostKeyMismatchError
		if errors.As(err, &mismatch) {
			b.record(s, sessionaudit.EventHostKeyMismatch, err.Error(), 0)
		}
		return fmt.Errorf("pin host key: %w", err)
	}
	if err := s.advance(StateBootstrapped); err != nil {
		return err
	}
	b.record(s, sessionaudit.EventSessionBootstrapped, "host_key="+ssh.FingerprintSHA256(res.HostPublicKey), 0)

	if err := s.advance(StateAttached); err != nil {
		return err
	}
	b.record(s, sessionaudit.EventSessionAttached, "command="+command, 0)

	attach := b.attach
	if attach == nil {
		attach = RunInteractive
	}
	err = attach(ctx, s, RunnerOptions{
		SSHBinary:   b.Options.SSHBinary,
		ProxyBinary: b.Options.ProxyBinary,
		ProxyArgs:   b.Options.ProxyArgs,
		RemoteUser:  b.Options.RemoteUser,
		Command:     command,
		NoTTY:       req.NoTTY,
		Logger:      logger,
	})

	var mismatch *sshkeys.HostKeyMismatchError
	if errors.As(err, &mismatch) {
		log.Error("host key mismatch", zap.Error(err))
		b.record(s, sessionaudit.EventHostKeyMismatch, err.Error(), 0)
	}
	return err
}

// pin writes the session's known_hosts and checks it accepts exactly the
// key the bootstrap returned.
func (b *Bridge) pin(s *Session, res *BootstrapResult) error {
	path, err := sshkeys.PinHostKey(s.TempDir, PinnedTarget, res.HostPublicKey)
	if err != nil {
		return err
	}
	if err := sshkeys.VerifyPinned(path, PinnedTarget, res.HostPublicKey); err != nil {
		return err
	}
	s.KnownHostsPath = path
	s.ForwarderURL = res.ForwarderURL
	return nil
}

func (b *Bridge) record(s *Session, eventType, details string, durationMs int64) {
	_ = b.Audit.Log(sessionaudit.SessionEvent{
		SessionID:  s.ID,
		SandboxID:  b.SandboxID,
		EventType:  eventType,
		Details:    details,
		DurationMs: durationMs,
	})
}

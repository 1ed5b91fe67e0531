package sshbridge

import (
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/gluk-w/ezdevbox/internal/sshkeys"
)

// Remote layout fixed by the sshd configuration contract. The pid files
// are shared by every session of a sandbox, so a bootstrap can stop
// whatever an earlier session left running.
const (
	SSHDPort         = 2222
	ForwarderPort    = 8081
	SSHDPidPath      = "/tmp/sshd.pid"
	ForwarderPidPath = "/tmp/websockify.pid"

	// AuthorizedKeyTagPrefix marks authorized_keys entries added by a
	// session. The full tag is the prefix plus the session ID.
	AuthorizedKeyTagPrefix = "ezdevbox-session-"

	// PinnedTarget is the host label used in known_hosts and on the ssh
	// command line. It is never resolved.
	PinnedTarget = "sandbox-session"
)

// State is a point in the session lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateBootstrapped State = "bootstrapped"
	StateAttached     State = "attached"
	StateCleaned      State = "cleaned"
)

var transitions = map[State][]State{
	StateCreated:      {StateBootstrapped, StateCleaned},
	StateBootstrapped: {StateAttached, StateCleaned},
	StateAttached:     {StateCleaned},
	StateCleaned:      {StateCleaned},
}

// RemoteArtifacts are the sandbox paths a session creates. They are decided
// before the first remote call so cleanup never depends on how far the
// bootstrap got.
type RemoteArtifacts struct {
	Dir                string
	AuthorizedKeysPath string
	// AuthorizedKeyTag is the comment on this session's authorized_keys
	// entry. Cleanup removes only the line carrying it.
	AuthorizedKeyTag   string
	HostPrivateKeyPath string
	HostPublicKeyPath  string
	SSHDConfigPath     string
	SSHDPidPath        string
	ForwarderPidPath   string
	ForwarderLogPath   string
}

// TrustMaterial lists the files deleted by the last cleanup step. The
// authorized_keys file is edited instead, see AuthorizedKeyTag.
func (a RemoteArtifacts) TrustMaterial() []string {
	var out []string
	for _, p := range []string{
		a.HostPrivateKeyPath,
		a.HostPublicKeyPath,
		a.SSHDConfigPath,
		a.ForwarderLogPath,
	} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func planArtifacts(sessionID string) RemoteArtifacts {
	dir := "/tmp/ezdevbox-" + sessionID
	return RemoteArtifacts{
		Dir:                dir,
		AuthorizedKeyTag:   AuthorizedKeyTagPrefix + sessionID,
		HostPrivateKeyPath: path.Join(dir, "ssh_host_ed25519_key"),
		HostPublicKeyPath:  path.Join(dir, "ssh_host_ed25519_key.pub"),
		SSHDConfigPath:     path.Join(dir, "sshd_config"),
		SSHDPidPath:        SSHDPidPath,
		ForwarderPidPath:   ForwarderPidPath,
		ForwarderLogPath:   path.Join(dir, "websockify.log"),
	}
}

// Session is one bridge session, alive between NewSession and Cleanup.
type Session struct {
	ID             string
	TempDir        string
	PrivateKeyPath string
	PublicKeyPath  string
	KnownHostsPath string
	ForwarderURL   string
	Artifacts      RemoteArtifacts

	publicKeyB64 string
	state        State
}

// NewSession mints the session keypair under tempRoot and plans the remote
// artifact paths.
func NewSession(tempRoot string) (*Session, error) {
	keys, err := sshkeys.MintSessionKeys(tempRoot)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return &Session{
		ID:             id,
		TempDir:        keys.Dir,
		PrivateKeyPath: keys.PrivateKeyPath,
		PublicKeyPath:  keys.PublicKeyPath,
		Artifacts:      planArtifacts(id),
		publicKeyB64:   keys.PublicKeyBase64(),
		state:          StateCreated,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// PublicKeyBase64 is the session public key as handed to the bootstrapper.
func (s *Session) PublicKeyBase64() string {
	return s.publicKeyB64
}

func (s *Session) advance(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.state, to)
}

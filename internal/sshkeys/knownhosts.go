package sshkeys

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHostsFile is the name of the pinned file inside the session directory.
const KnownHostsFile = "known_hosts"

// HostKeyMismatchError is returned when a host presents a key other than the
// pinned one. There is no override: the connection is refused.
type HostKeyMismatchError struct {
	Target   string
	Expected string
	Actual   string
}

func (e *HostKeyMismatchError) Error() string {
	msg := fmt.Sprintf("connection to %s refused for security reasons: host key verification failed", e.Target)
	if e.Expected != "" && e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Actual)
	}
	return msg
}

// ParseHostKey parses a host public key in authorized_keys format, as printed
// by `cat ssh_host_ed25519_key.pub`.
func ParseHostKey(hostPublicKey string) (ssh.PublicKey, error) {
	line := strings.TrimSpace(hostPublicKey)
	if line == "" {
		return nil, errors.New("parse host key: empty key")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return key, nil
}

// PinHostKey writes <dir>/known_hosts containing exactly one entry for
// target. An existing file is replaced, never merged.
func PinHostKey(dir, target string, hostKey ssh.PublicKey) (string, error) {
	if target == "" {
		return "", errors.New("pin host key: empty target")
	}
	path := filepath.Join(dir, KnownHostsFile)
	line := knownhosts.Line([]string{target}, hostKey) + "\n"

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("pin host key: %w", err)
	}
	if err := os.WriteFile(path, []byte(line), 0600); err != nil {
		return "", fmt.Errorf("pin host key: %w", err)
	}
	return path, nil
}

// VerifyPinned checks key against the pinned file for target using the same
// rules the ssh client applies.
func VerifyPinned(knownHostsPath, target string, key ssh.PublicKey) error {
	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return fmt.Errorf("load pinned host key: %w", err)
	}

	// The address is synthetic; knownhosts matches on the hostname only
	// when the port is 22.
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	err = callback(net.JoinHostPort(target, "22"), addr, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		mismatch := &HostKeyMismatchError{Target: target, Actual: ssh.FingerprintSHA256(key)}
		if len(keyErr.Want) > 0 {
			mismatch.Expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
		}
		return mismatch
	}
	return fmt.Errorf("verify host key: %w", err)
}

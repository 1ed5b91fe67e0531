package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	PrivateKeyFile = "id_ed25519"
	PublicKeyFile  = "id_ed25519.pub"
)

// CredentialGenerationError is returned when a session keypair cannot be
// produced. It is fatal and never retried.
type CredentialGenerationError struct {
	Reason string
	Err    error
}

func (e *CredentialGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generate session credentials: %s: %v", e.Reason, e.Err)
	}
	return "generate session credentials: " + e.Reason
}

func (e *CredentialGenerationError) Unwrap() error {
	return e.Err
}

// marshalAuthorizedKey is swapped out by tests to simulate a generator that
// yields no public key.
var marshalAuthorizedKey = ssh.MarshalAuthorizedKey

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// authorized_keys line and the unencrypted OpenSSH PEM private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "ezdevbox-session")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = marshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// SessionKeys is a keypair minted for a single bridge session.
type SessionKeys struct {
	Dir            string
	PrivateKeyPath string
	PublicKeyPath  string
	// PublicKey is the authorized_keys line, newline terminated.
	PublicKey []byte
}

// PublicKeyBase64 is the form handed to the remote bootstrapper.
func (k *SessionKeys) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// MintSessionKeys creates a fresh 0700 directory under root (os.TempDir when
// empty) and writes a new keypair into it with 0600 permissions. On failure
// the directory is removed.
func MintSessionKeys(root string) (_ *SessionKeys, err error) {
	dir, err := os.MkdirTemp(root, "ezdevbox-ssh-")
	if err != nil {
		return nil, &CredentialGenerationError{Reason: "create session directory", Err: err}
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	if err := os.Chmod(dir, 0700); err != nil {
		return nil, &CredentialGenerationError{Reason: "restrict session directory", Err: err}
	}

	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, &CredentialGenerationError{Reason: "generate keypair", Err: err}
	}
	if len(pub) == 0 {
		return nil, &CredentialGenerationError{Reason: "generator produced an empty public key"}
	}

	keys := &SessionKeys{
		Dir:            dir,
		PrivateKeyPath: filepath.Join(dir, PrivateKeyFile),
		PublicKeyPath:  filepath.Join(dir, PublicKeyFile),
		PublicKey:      pub,
	}
	if err := os.WriteFile(keys.PrivateKeyPath, priv, 0600); err != nil {
		return nil, &CredentialGenerationError{Reason: "write private key", Err: err}
	}
	if err := os.WriteFile(keys.PublicKeyPath, pub, 0600); err != nil {
		return nil, &CredentialGenerationError{Reason: "write public key", Err: err}
	}
	return keys, nil
}

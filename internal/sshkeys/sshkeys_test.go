package sshkeys

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != ssh.KeyAlgoED25519 {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}

	signer, err := ssh.ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if string(signer.PublicKey().Marshal()) != string(parsed.Marshal()) {
		t.Error("public key does not match the key derived from the private key")
	}
}

func TestMintSessionKeys(t *testing.T) {
	keys, err := MintSessionKeys(t.TempDir())
	if err != nil {
		t.Fatalf("MintSessionKeys() error: %v", err)
	}

	info, err := os.Stat(keys.Dir)
	if err != nil {
		t.Fatalf("stat session dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("session dir mode = %o, want 700", perm)
	}

	for _, path := range []string{keys.PrivateKeyPath, keys.PublicKeyPath} {
		if filepath.Dir(path) != keys.Dir {
			t.Errorf("%s is outside the session dir %s", path, keys.Dir)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("%s mode = %o, want 600", filepath.Base(path), perm)
		}
	}

	onDisk, err := os.ReadFile(keys.PublicKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != string(keys.PublicKey) {
		t.Error("public key file does not match SessionKeys.PublicKey")
	}

	decoded, err := base64.StdEncoding.DecodeString(keys.PublicKeyBase64())
	if err != nil {
		t.Fatalf("PublicKeyBase64() is not valid base64: %v", err)
	}
	if string(decoded) != string(keys.PublicKey) {
		t.Error("PublicKeyBase64() does not decode to the public key")
	}
}

func TestMintSessionKeysUniqueness(t *testing.T) {
	root := t.TempDir()
	a, err := MintSessionKeys(root)
	if err != nil {
		t.Fatalf("first MintSessionKeys() error: %v", err)
	}
	b, err := MintSessionKeys(root)
	if err != nil {
		t.Fatalf("second MintSessionKeys() error: %v", err)
	}

	if a.Dir == b.Dir {
		t.Error("two sessions share a directory")
	}
	privA, _ := os.ReadFile(a.PrivateKeyPath)
	privB, _ := os.ReadFile(b.PrivateKeyPath)
	if string(privA) == string(privB) {
		t.Error("two sessions share private key material")
	}
	if string(a.PublicKey) == string(b.PublicKey) {
		t.Error("two sessions share a public key")
	}
}

func TestMintSessionKeysEmptyPublicKey(t *testing.T) {
	orig := marshalAuthorizedKey
	marshalAuthorizedKey = func(ssh.PublicKey) []byte { return nil }
	defer func() { marshalAuthorizedKey = orig }()

	root := t.TempDir()
	_, err := MintSessionKeys(root)

	var genErr *CredentialGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *CredentialGenerationError, got %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed mint left %d entries behind", len(entries))
	}
}

func TestMintSessionKeysBadRoot(t *testing.T) {
	_, err := MintSessionKeys(filepath.Join(t.TempDir(), "missing", "root"))
	var genErr *CredentialGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *CredentialGenerationError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped not-exist error, got %v", err)
	}
}

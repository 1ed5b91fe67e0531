// Package sshkeys mints the ephemeral credentials of a bridge session and
// pins the sandbox host key that session must present.
//
// # Session Keypair
//
// [MintSessionKeys] creates a 0700 directory and writes a fresh ED25519
// keypair into it (OpenSSH format, no passphrase, 0600). The directory is
// owned by exactly one session and is removed when that session is cleaned
// up. Keys are never reused across sessions.
//
// # Host Key Pinning
//
// [PinHostKey] writes a known_hosts file holding a single entry that binds a
// synthetic target name to the host key returned by the session's bootstrap.
// The name is a label only; the ssh client reaches the sandbox through a
// ProxyCommand, so it is never resolved. [VerifyPinned] checks a key against
// that file and returns a [*HostKeyMismatchError] on any difference.
package sshkeys

// Package sshbridge attaches a local terminal to a remote sandbox over SSH
// tunnelled through a WebSocket.
//
// A session mints a throwaway ED25519 keypair, bootstraps sshd and a
// websockify forwarder inside the sandbox through a [sandbox.Runtime], pins
// the freshly generated host key in a private known_hosts file and then runs
// the system ssh client with "ezdevbox ws-proxy" as its ProxyCommand:
//
//	terminal <-> ssh <-> ws-proxy <-> WebSocket <-> websockify <-> sshd
//
// Session lifecycle:
//
//	created -> bootstrapped -> attached -> cleaned
//
// cleaned is reachable from every state, and [Bridge.Run] always runs
// [Cleanup] before returning. Nothing in this package retries.
package sshbridge

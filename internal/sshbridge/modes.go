package sshbridge

import (
	"fmt"
	"sort"
	"strings"
)

// Session modes select the program started on the remote side.
const (
	ModeShell    = "ssh-shell"
	ModeCodex    = "ssh-codex"
	ModeOpenCode = "ssh-opencode"
)

var modeCommands = map[string]string{
	ModeShell:    DefaultRemoteCommand,
	ModeCodex:    "codex",
	ModeOpenCode: "opencode",
}

// ModeCommand returns the remote command for mode. An empty mode is the
// shell. ModeWeb has no terminal command; use StartWeb.
func ModeCommand(mode string) (string, error) {
	if mode == "" {
		mode = ModeShell
	}
	if mode == ModeWeb {
		return "", fmt.Errorf("mode %q serves over HTTP and attaches no terminal", mode)
	}
	cmd, ok := modeCommands[mode]
	if !ok {
		return "", fmt.Errorf("unknown mode %q (valid: %s)", mode, strings.Join(Modes(), ", "))
	}
	return cmd, nil
}

// Modes lists the supported modes in sorted order.
func Modes() []string {
	out := make([]string, 0, len(modeCommands)+1)
	for m := range modeCommands {
		out = append(out, m)
	}
	out = append(out, ModeWeb)
	sort.Strings(out)
	return out
}

package sshbridge

import (
	"fmt"
	"strings"
)

// sshdConfigContract is reproduced verbatim at the top of every generated
// config.
var sshdConfigContract = []string{
	"Port 2222",
	"ListenAddress 0.0.0.0",
	"PasswordAuthentication no",
	"PermitRootLogin no",
	"PubkeyAuthentication yes",
	"AuthorizedKeysFile .ssh/authorized_keys",
	"PidFile /tmp/sshd.pid",
	"UsePAM no",
	"Subsystem sftp internal-sftp",
}

// RenderSSHDConfig returns the server configuration for a session. The only
// addition to the contract is the session's own host key.
func RenderSSHDConfig(hostKeyPath string) string {
	var b strings.Builder
	for _, line := range sshdConfigContract {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "HostKey %s\n", hostKeyPath)
	return b.String()
}

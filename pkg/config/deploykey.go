package config

import (
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pgplane/pgplane/pkg/apperrors"
)

// agentPublicKey reads the first public key loaded in the running SSH
// agent, rendered in authorized_keys format.
func agentPublicKey() (string, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return "", apperrors.NewKnownConfig("no deploy key configured and no SSH agent available")
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return "", apperrors.WrapKnown(err, "failed to read SSH public key")
	}
	defer conn.Close()

	keys, err := agent.NewClient(conn).List()
	if err != nil {
		return "", apperrors.WrapKnown(err, "failed to read SSH public key")
	}
	if len(keys) == 0 {
		return "", apperrors.NewKnown("SSH agent has no key loaded")
	}

	pub, err := ssh.ParsePublicKey(keys[0].Blob)
	if err != nil {
		return "", apperrors.WrapKnown(err, "SSH agent returned an unreadable key")
	}
	line := string(ssh.MarshalAuthorizedKey(pub))
	// MarshalAuthorizedKey appends a newline.
	return line[:len(line)-1], nil
}

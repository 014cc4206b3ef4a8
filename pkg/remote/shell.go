// Package remote executes commands on guest machines over SSH. Command
// lines are logged with sensitive arguments masked, stderr is streamed
// to the log as it arrives, and process failures carry a typed error
// with the exit code and the raw log for diagnosis.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Shell runs commands on one host as one user. The connection is
// established lazily on first use and reused until Close.
type Shell struct {
	User string
	Host string
	Port int

	connMu sync.Mutex
	client *ssh.Client
}

// NewShell creates a shell bound to a host and user pair, on the
// standard SSH port.
func NewShell(user, host string) *Shell {
	return &Shell{User: user, Host: host, Port: 22}
}

// Run executes a command on the remote host and returns its stdout.
// Arguments are strings, or Secret for values that must not appear in
// logs. Stderr is streamed line by line to the debug log. A nonzero exit
// fails with *CommandError.
func (s *Shell) Run(ctx context.Context, args ...interface{}) (string, error) {
	cmd := argv(args)
	words, err := cmd.words()
	if err != nil {
		return "", err
	}

	log.Debug().Str("host", s.Host).Msgf("Running %s", cmd.logLine())

	client, err := s.connect(ctx)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		s.drop()
		return "", fmt.Errorf("failed to open session on %s: %w", s.Host, err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	line := ""
	for i, w := range words {
		if i > 0 {
			line += " "
		}
		line += shellQuote(w)
	}

	if err := session.Start(line); err != nil {
		s.drop()
		return "", fmt.Errorf("failed to start command on %s: %w", s.Host, err)
	}

	logs := streamLog(stderrPipe)

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-done
		return stdout.String(), ctx.Err()
	case err = <-done:
	}

	if err == nil {
		return stdout.String(), nil
	}

	if exitErr, ok := err.(*ssh.ExitError); ok {
		return stdout.String(), newCommandError(exitErr.ExitStatus(), stdout.String(), <-logs)
	}
	// The transport dropped mid-command. Record the signature line so
	// callers expecting an intentional disconnect can recognize it.
	s.drop()
	lines := <-logs
	lines = append(lines, fmt.Sprintf("Connection to %s closed by remote host.", s.Host))
	return stdout.String(), newCommandError(exitConnectionLost, stdout.String(), lines)
}

// Copy transfers a local file to the remote host.
func (s *Shell) Copy(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &CopyError{Path: localPath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &CopyError{Path: localPath, Err: err}
	}
	return s.push(ctx, f, remotePath, uint32(info.Mode().Perm()))
}

// Push writes in-memory content to a remote path. Used for embedded
// helper scripts that have no local file.
func (s *Shell) Push(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	return s.push(ctx, bytes.NewReader(content), remotePath, mode)
}

func (s *Shell) push(ctx context.Context, r io.Reader, remotePath string, mode uint32) error {
	client, err := s.connect(ctx)
	if err != nil {
		return &CopyError{Path: remotePath, Err: err}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		s.drop()
		return &CopyError{Path: remotePath, Err: err}
	}
	defer sftpClient.Close()

	log.Debug().Str("host", s.Host).Str("path", remotePath).Msg("Copying file.")

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return &CopyError{Path: remotePath, Err: err}
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		return &CopyError{Path: remotePath, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &CopyError{Path: remotePath, Err: err}
	}
	if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return &CopyError{Path: remotePath, Err: err}
	}
	return nil
}

// Wait blocks until the shell's host accepts TCP connections on its SSH
// port. Resumable counterpart of WaitHost bound to this shell.
func (s *Shell) Wait(ctx context.Context) error {
	return WaitHost(ctx, s.Host, s.Port)
}

// Close tears down the cached connection, if any.
func (s *Shell) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Shell) connect(ctx context.Context) (*ssh.Client, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	auth, err := agentAuth()
	if err != nil {
		return nil, err
	}

	port := s.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(s.Host, fmt.Sprintf("%d", port))
	cfg := &ssh.ClientConfig{
		User: s.User,
		Auth: auth,
		// Guests are cloned from templates and get fresh host keys on
		// every provisioning, so strict checking cannot apply.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}

	s.client = ssh.NewClient(ncc, chans, reqs)
	log.Debug().Str("host", s.Host).Str("user", s.User).Msg("SSH connection established.")
	return s.client, nil
}

// drop discards the cached connection after a transport failure so the
// next call redials.
func (s *Shell) drop() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

// agentAuth builds SSH auth methods from the running ssh-agent.
func agentAuth() ([]ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set, no SSH agent available")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("failed to reach SSH agent: %w", err)
	}
	ag := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
}

// streamLog reads stderr line by line, logging each as it arrives, and
// delivers the collected lines once the stream closes.
func streamLog(r io.Reader) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		var lines []string
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			lines = append(lines, line)
			log.Debug().Msgf("<<< %s", line)
		}
		out <- lines
	}()
	return out
}

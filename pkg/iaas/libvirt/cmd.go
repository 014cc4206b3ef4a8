package libvirt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/iaas"
)

// cmdError reports a failed local virtualization command.
type cmdError struct {
	cmd      string
	exitCode int
	stderr   string
}

func (e *cmdError) Error() string {
	msg := lastLine(e.stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", e.exitCode)
	}
	return fmt.Sprintf("%s: %s", e.cmd, msg)
}

// localCmd runs a virtualization tool on the hypervisor host, streaming
// stderr to the debug log line by line and capturing stdout.
func localCmd(ctx context.Context, name string, args ...string) (string, error) {
	log.Debug().Msgf("Running %s %s", name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	var stderrLines []string
	scanner := bufio.NewScanner(stderrPipe)
	for scanner.Scan() {
		line := scanner.Text()
		stderrLines = append(stderrLines, line)
		log.Debug().Msgf("<<< %s", line)
	}

	if err := cmd.Wait(); err != nil {
		stderr := strings.Join(stderrLines, "\n")
		cerr := &cmdError{cmd: name, stderr: stderr}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.exitCode = exitErr.ExitCode()
		} else {
			cerr.exitCode = -1
		}
		if isConnectivityLoss(stderr) {
			return stdout.String(), iaas.Transient(cerr)
		}
		return stdout.String(), cerr
	}
	return stdout.String(), nil
}

// isConnectivityLoss recognizes hypervisor connection failures, which
// are safe to retry. Everything else propagates as-is.
func isConnectivityLoss(stderr string) bool {
	for _, sig := range []string{
		"failed to connect to the hypervisor",
		"Failed to connect socket",
		"Cannot recv data",
		"End of file while reading data",
	} {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// isNotFound recognizes lookups of missing domains or volumes.
func isNotFound(err error) bool {
	var e *cmdError
	if !errors.As(err, &e) {
		return false
	}
	return strings.Contains(e.stderr, "failed to get domain") ||
		strings.Contains(e.stderr, "no storage vol with matching name") ||
		strings.Contains(e.stderr, "Storage volume not found") ||
		strings.Contains(e.stderr, "Domain not found")
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

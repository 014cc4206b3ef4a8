package remote

import (
	"errors"
	"fmt"
	"strings"
)

// exit code reported when the transport drops mid-command rather than the
// remote process exiting on its own.
const exitConnectionLost = 255

// CommandError reports a remote process that exited nonzero. Message is
// derived from the last line of stdout when present, else the last line
// of the captured log; the raw log is kept for diagnosis.
type CommandError struct {
	Message  string
	ExitCode int
	Logs     []string
}

func newCommandError(exitCode int, stdout string, logs []string) *CommandError {
	msg := lastLine(stdout)
	if msg == "" && len(logs) > 0 {
		msg = logs[len(logs)-1]
	}
	if msg == "" {
		msg = fmt.Sprintf("remote command exited with code %d", exitCode)
	}
	return &CommandError{Message: msg, ExitCode: exitCode, Logs: logs}
}

func (e *CommandError) Error() string {
	return e.Message
}

// ConnectionClosedByRemote reports whether the command failed because the
// remote side dropped the connection mid-command. Callers that trigger a
// disconnect on purpose, like issuing a shutdown, treat this as success.
func (e *CommandError) ConnectionClosedByRemote() bool {
	if e.ExitCode != exitConnectionLost || len(e.Logs) == 0 {
		return false
	}
	last := e.Logs[len(e.Logs)-1]
	return strings.Contains(last, "closed by remote host") ||
		strings.Contains(last, "Connection reset")
}

// IsConnectionClosedByRemote is the errors.As convenience form of
// CommandError.ConnectionClosedByRemote.
func IsConnectionClosedByRemote(err error) bool {
	var e *CommandError
	return errors.As(err, &e) && e.ConnectionClosedByRemote()
}

// CopyError reports a failed file transfer, carrying the captured
// transport diagnostics.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s: %s", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// usageError flags an argument of unsupported type passed to Run. This is
// a programming error, not an operational one.
type usageError struct {
	arg interface{}
}

func newUsageError(arg interface{}) error {
	return &usageError{arg: arg}
}

func (e *usageError) Error() string {
	return fmt.Sprintf("remote command argument must be string or Secret, got %T", e.arg)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

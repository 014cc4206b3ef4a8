package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgplane/pgplane/pkg/apperrors"
)

func TestCommandErrorMessageFromStdout(t *testing.T) {
	err := newCommandError(1, "progress line\nERROR: role exists\n", []string{"noise"})
	if err.Message != "ERROR: role exists" {
		t.Errorf("message = %q, want last stdout line", err.Message)
	}
	if err.ExitCode != 1 {
		t.Errorf("exit code = %d", err.ExitCode)
	}
}

func TestCommandErrorMessageFallsBackToLogs(t *testing.T) {
	err := newCommandError(2, "", []string{"first", "mount: /dev/sdb: no such device"})
	if err.Message != "mount: /dev/sdb: no such device" {
		t.Errorf("message = %q, want last log line", err.Message)
	}
}

func TestCommandErrorMessageDefault(t *testing.T) {
	err := newCommandError(3, "", nil)
	if err.Message == "" {
		t.Error("message should never be empty")
	}
}

func TestConnectionClosedByRemote(t *testing.T) {
	closed := newCommandError(255, "", []string{
		"Shutting down.",
		"Connection to pg0.example.com closed by remote host.",
	})
	if !closed.ConnectionClosedByRemote() {
		t.Error("expected connection-closed classification")
	}
	if !IsConnectionClosedByRemote(closed) {
		t.Error("IsConnectionClosedByRemote should match")
	}

	// Same signature line but a genuine exit code is a real failure.
	plain := newCommandError(1, "", []string{"Connection to host closed by remote host."})
	if plain.ConnectionClosedByRemote() {
		t.Error("exit code 1 must not classify as connection closed")
	}

	// Exit 255 without the signature is an SSH-level failure.
	sshFail := newCommandError(255, "", []string{"Permission denied (publickey)."})
	if sshFail.ConnectionClosedByRemote() {
		t.Error("auth failure must not classify as connection closed")
	}
}

func TestWaitHostSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := waitHost(context.Background(), "127.0.0.1", port, 10*time.Second); err != nil {
		t.Fatalf("waitHost: %v", err)
	}
}

func TestWaitHostTimesOut(t *testing.T) {
	// Reserved port with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	err = waitHost(context.Background(), "127.0.0.1", port, 2*time.Second)
	if !apperrors.IsTimeout(err) {
		t.Fatalf("want Timeout, got %v", err)
	}
}

func TestWaitHostHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waitHost(ctx, "127.0.0.1", 1, 30*time.Second)
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

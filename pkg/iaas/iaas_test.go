package iaas

import (
	"context"
	"errors"
	"testing"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
)

func TestConnectUnknownScheme(t *testing.T) {
	cfg := config.Defaults()
	_, err := Connect(context.Background(), "cloudfoo+https://x", &cfg)
	if !apperrors.IsKnown(err) {
		t.Fatalf("want KnownError for unknown scheme, got %v", err)
	}
}

func TestRegisterAndConnect(t *testing.T) {
	called := ""
	Register("testbackend", func(ctx context.Context, url string, cfg *config.Settings) (IaaS, error) {
		called = url
		return nil, errors.New("stop here")
	})

	cfg := config.Defaults()
	_, err := Connect(context.Background(), "testbackend+qemu:///system", &cfg)
	if err == nil || err.Error() != "stop here" {
		t.Fatalf("connector not invoked: %v", err)
	}
	if called != "qemu:///system" {
		t.Errorf("scheme not stripped from URL: %q", called)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

func TestRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	err := WaitFor("powering on test", 0, func() (bool, error) { return false, nil })
	if !apperrors.IsTimeout(err) {
		t.Fatalf("want Timeout, got %v", err)
	}
}

func TestWaitForPropagatesProbeError(t *testing.T) {
	boom := errors.New("boom")
	err := WaitFor("probe", 5, func() (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("want probe error, got %v", err)
	}
}

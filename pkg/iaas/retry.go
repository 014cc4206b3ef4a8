package iaas

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/apperrors"
)

// Retry policy for operations that can transiently fail on backend or
// hypervisor-host connectivity loss. Anything not marked transient
// propagates immediately: non-idempotent mutations are never blindly
// replayed.
const (
	retryAttempts = 5
	retryDelay    = 2 * time.Second
)

// TransientError marks a backend failure worth retrying.
type TransientError struct {
	Err error
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// Retry runs op, retrying transient failures with a short fixed backoff.
func Retry(op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("Transient backend failure, retrying.")
		}),
	)
}

// retrying decorates a backend so every operation retries transient
// failures. Connect installs it over every backend.
type retrying struct {
	backend IaaS
}

func (r *retrying) CreateMachine(ctx context.Context, name string, dataSizeGB int) (m *Machine, err error) {
	err = Retry(func() error {
		m, err = r.backend.CreateMachine(ctx, name, dataSizeGB)
		return err
	})
	return m, err
}

func (r *retrying) StartMachine(ctx context.Context, name string, waitSeconds int) error {
	return Retry(func() error {
		return r.backend.StartMachine(ctx, name, waitSeconds)
	})
}

func (r *retrying) StopMachine(ctx context.Context, name string, waitSeconds int) error {
	return Retry(func() error {
		return r.backend.StopMachine(ctx, name, waitSeconds)
	})
}

func (r *retrying) DeleteMachine(ctx context.Context, name string) error {
	return Retry(func() error {
		return r.backend.DeleteMachine(ctx, name)
	})
}

func (r *retrying) Endpoint(name string) string {
	return r.backend.Endpoint(name)
}

func (r *retrying) GuessDataDeviceInGuest(ctx context.Context, name string) (dev string, err error) {
	err = Retry(func() error {
		dev, err = r.backend.GuessDataDeviceInGuest(ctx, name)
		return err
	})
	return dev, err
}

func (r *retrying) ListMachines(ctx context.Context) (machines []Machine, err error) {
	err = Retry(func() error {
		machines, err = r.backend.ListMachines(ctx)
		return err
	})
	return machines, err
}

func (r *retrying) IsRunning(ctx context.Context, name string) (running bool, err error) {
	err = Retry(func() error {
		running, err = r.backend.IsRunning(ctx, name)
		return err
	})
	return running, err
}

func (r *retrying) Close() error {
	return r.backend.Close()
}

// WaitFor polls probe once per second until it reports true, within a
// budget of waitSeconds. Budget exhaustion fails with a Timeout.
func WaitFor(op string, waitSeconds int, probe func() (bool, error)) error {
	budget := time.Duration(waitSeconds) * time.Second
	deadline := time.Now().Add(budget)
	for {
		ok, err := probe()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.NewTimeout(op, budget)
		}
		time.Sleep(time.Second)
	}
}

// Package worker is the task engine: a pool of goroutines draining the
// durable queue and running infrastructure tasks against the backend.
// Errors never propagate out of a task. The queue does not redeliver;
// the instance row records what happened.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
	"github.com/pgplane/pgplane/pkg/iaas"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/operator"
	"github.com/pgplane/pgplane/pkg/telemetry"
)

// Store is the inventory surface the task engine uses. Satisfied by
// inventory.Store.
type Store interface {
	GetInstance(ctx context.Context, id string) (*inventory.Instance, error)
	SetInstanceStatus(ctx context.Context, id string, status inventory.Status, message string) error
	UpdateStatusFrom(ctx context.Context, id string, from, to inventory.Status, message string) error
	UpdateInstanceData(ctx context.Context, id string, data inventory.InstanceData) error
	DeleteInstance(ctx context.Context, id string) error
	ListInstancesByStatus(ctx context.Context, statuses ...inventory.Status) ([]*inventory.Instance, error)
	EnqueueTask(ctx context.Context, name, instanceID string) (*inventory.Task, error)
	ClaimTask(ctx context.Context) (*inventory.Task, error)
	FinishTask(ctx context.Context, id int64, status inventory.TaskStatus) error
	ResetRunningTasks(ctx context.Context) (int64, error)
	ListTasks(ctx context.Context, status inventory.TaskStatus) ([]*inventory.Task, error)
}

// Operator is the provisioning surface tasks call. Satisfied by
// operator.Operator.
type Operator interface {
	CreateDBInstance(ctx context.Context, data inventory.InstanceData) (*inventory.Endpoint, error)
	IsRunning(ctx context.Context, name string) bool
}

// Deps carries everything a task needs. Constructors for the backend
// and the operator are swappable in tests.
type Deps struct {
	Store   Store
	Config  *config.Settings
	Metrics *telemetry.Metrics

	// ConnectIaaS acquires a backend connection. Defaults to
	// iaas.Connect.
	ConnectIaaS func(ctx context.Context, url string, cfg *config.Settings) (iaas.IaaS, error)

	// NewOperator builds the operator over a backend. Defaults to
	// operator.New.
	NewOperator func(backend iaas.IaaS, cfg *config.Settings) Operator
}

func (d *Deps) setDefaults() {
	if d.ConnectIaaS == nil {
		d.ConnectIaaS = iaas.Connect
	}
	if d.NewOperator == nil {
		d.NewOperator = func(backend iaas.IaaS, cfg *config.Settings) Operator {
			return operator.New(backend, cfg)
		}
	}
	if d.Metrics == nil {
		d.Metrics = &telemetry.Metrics{}
	}
}

// TaskStop aborts a task that became irrelevant, from anywhere in the
// stack. Not a failure: the instance row is left untouched.
type TaskStop struct {
	Reason string
}

func (e *TaskStop) Error() string {
	return e.Reason
}

// Stopf builds a TaskStop.
func Stopf(format string, args ...interface{}) error {
	return &TaskStop{Reason: fmt.Sprintf(format, args...)}
}

// IsStop reports whether err is a TaskStop.
func IsStop(err error) bool {
	var e *TaskStop
	return errors.As(err, &e)
}

// errRowDeleted signals that the body removed the instance row, so the
// guard must not write a final status.
var errRowDeleted = errors.New("instance row deleted")

// runGuarded is the single commit point for an instance's user-visible
// status. It loads the row, asserts the expected current status, runs
// body, and writes exactly one terminal status: to on success, failed
// with the error message on failure. A TaskStop leaves the row as it
// was. The body never writes status itself.
func (d *Deps) runGuarded(ctx context.Context, instanceID string, from, to inventory.Status, body func(ctx context.Context, instance *inventory.Instance) error) error {
	instance, err := d.Store.GetInstance(ctx, instanceID)
	if errors.Is(err, inventory.ErrNotFound) {
		return Stopf("unknown instance %s", instanceID)
	}
	if err != nil {
		return err
	}
	log.Info().Stringer("instance", instance).Msg("Working on instance.")

	if from != "" && instance.Status != from {
		return apperrors.NewKnown("%s is not in state %s", instance, from)
	}

	err = body(ctx, instance)
	switch {
	case err == nil:
		return d.commit(ctx, instance, to, "")
	case errors.Is(err, errRowDeleted):
		return nil
	case IsStop(err):
		return err
	default:
		if werr := d.commit(ctx, instance, inventory.StatusFailed, err.Error()); werr != nil {
			log.Error().Err(werr).Stringer("instance", instance).Msg("Failed to record failure.")
		}
		return err
	}
}

// commit writes the task's single terminal status, conditional on the
// status observed when the task loaded the row. A row deleted or moved
// on concurrently is not an error: the newer operation owns it.
func (d *Deps) commit(ctx context.Context, instance *inventory.Instance, to inventory.Status, message string) error {
	err := d.Store.UpdateStatusFrom(ctx, instance.ID, instance.Status, to, message)
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		log.Info().Stringer("instance", instance).Msg("Instance deleted meanwhile.")
		return nil
	case errors.Is(err, inventory.ErrStatusConflict):
		log.Info().Stringer("instance", instance).Msg("Instance changed state meanwhile.")
		return nil
	}
	return err
}

// withIaaS brackets a backend connection around fn. The connection is
// scoped to one task, never shared.
func (d *Deps) withIaaS(ctx context.Context, fn func(backend iaas.IaaS) error) error {
	backend, err := d.ConnectIaaS(ctx, d.Config.IaasURL, d.Config)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close backend connection.")
		}
	}()
	return fn(backend)
}

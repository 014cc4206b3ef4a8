package worker

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/iaas"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/remote"
)

// Task names as enqueued by the actions layer.
const (
	TaskCreateDBInstance = "create-db-instance"
	TaskDeleteDBInstance = "delete-db-instance"
	TaskStartDBInstance  = "start-db-instance"
	TaskStopDBInstance   = "stop-db-instance"
	TaskRebootDBInstance = "reboot-db-instance"
	TaskInspectInstance  = "inspect-instance"
	TaskRecoverFleet     = "recover-fleet"
)

// taskFunc resolves a task name to its implementation.
func (d *Deps) taskFunc(name string) (func(ctx context.Context, instanceID string) error, bool) {
	switch name {
	case TaskCreateDBInstance:
		return d.createDBInstance, true
	case TaskDeleteDBInstance:
		return d.deleteDBInstance, true
	case TaskStartDBInstance:
		return d.startDBInstance, true
	case TaskStopDBInstance:
		return d.stopDBInstance, true
	case TaskRebootDBInstance:
		return d.rebootDBInstance, true
	case TaskInspectInstance:
		return d.inspectInstance, true
	case TaskRecoverFleet:
		return func(ctx context.Context, _ string) error { return d.recoverFleet(ctx) }, true
	default:
		return nil, false
	}
}

func (d *Deps) createDBInstance(ctx context.Context, instanceID string) error {
	if _, err := d.Config.RequireDeployKey(); err != nil {
		return err
	}
	return d.runGuarded(ctx, instanceID, inventory.StatusCreating, inventory.StatusAvailable, func(ctx context.Context, instance *inventory.Instance) error {
		return d.withIaaS(ctx, func(backend iaas.IaaS) error {
			op := d.NewOperator(backend, d.Config)
			endpoint, err := op.CreateDBInstance(ctx, instance.Data)
			if err != nil {
				return err
			}

			// The password never outlives provisioning.
			data := instance.Data
			data.MasterUserPassword = ""
			data.Endpoint = endpoint
			return d.Store.UpdateInstanceData(ctx, instance.ID, data)
		})
	})
}

func (d *Deps) deleteDBInstance(ctx context.Context, instanceID string) error {
	return d.runGuarded(ctx, instanceID, inventory.StatusDeleting, "", func(ctx context.Context, instance *inventory.Instance) error {
		log.Info().Stringer("instance", instance).Msg("Deleting instance.")
		err := d.withIaaS(ctx, func(backend iaas.IaaS) error {
			return backend.DeleteMachine(ctx, instance.Identifier)
		})
		if err != nil {
			return err
		}
		if err := d.Store.DeleteInstance(ctx, instance.ID); err != nil {
			return err
		}
		return errRowDeleted
	})
}

func (d *Deps) startDBInstance(ctx context.Context, instanceID string) error {
	return d.runGuarded(ctx, instanceID, "", inventory.StatusAvailable, func(ctx context.Context, instance *inventory.Instance) error {
		log.Info().Stringer("instance", instance).Msg("Starting instance.")
		err := d.withIaaS(ctx, func(backend iaas.IaaS) error {
			return backend.StartMachine(ctx, instance.Identifier, iaas.DefaultStartWait)
		})
		if err != nil {
			return err
		}
		return d.waitEndpoint(ctx, instance)
	})
}

func (d *Deps) stopDBInstance(ctx context.Context, instanceID string) error {
	return d.runGuarded(ctx, instanceID, "", inventory.StatusStopped, func(ctx context.Context, instance *inventory.Instance) error {
		log.Info().Stringer("instance", instance).Msg("Stopping instance.")
		return d.withIaaS(ctx, func(backend iaas.IaaS) error {
			return backend.StopMachine(ctx, instance.Identifier, iaas.DefaultStopWait)
		})
	})
}

func (d *Deps) rebootDBInstance(ctx context.Context, instanceID string) error {
	return d.runGuarded(ctx, instanceID, "", inventory.StatusAvailable, func(ctx context.Context, instance *inventory.Instance) error {
		log.Info().Stringer("instance", instance).Msg("Rebooting instance.")
		err := d.withIaaS(ctx, func(backend iaas.IaaS) error {
			if err := backend.StopMachine(ctx, instance.Identifier, iaas.DefaultStopWait); err != nil {
				return err
			}
			return backend.StartMachine(ctx, instance.Identifier, iaas.DefaultStartWait)
		})
		if err != nil {
			return err
		}
		return d.waitEndpoint(ctx, instance)
	})
}

// inspectInstance reconciles the row with observed reality: machine
// and Postgres both up is available, machine down is stopped, machine
// up without Postgres is failed.
func (d *Deps) inspectInstance(ctx context.Context, instanceID string) error {
	if _, err := d.Config.RequireDeployKey(); err != nil {
		return err
	}

	instance, err := d.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return Stopf("unknown instance %s", instanceID)
	}

	var status inventory.Status
	var message string
	err = d.withIaaS(ctx, func(backend iaas.IaaS) error {
		running, err := backend.IsRunning(ctx, instance.Identifier)
		if err != nil {
			return err
		}
		if !running {
			status = inventory.StatusStopped
			return nil
		}
		if d.NewOperator(backend, d.Config).IsRunning(ctx, instance.Identifier) {
			status = inventory.StatusAvailable
		} else {
			status = inventory.StatusFailed
			message = "VM is running but Postgres is not running."
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := d.Store.SetInstanceStatus(ctx, instance.ID, status, message); err != nil {
		return err
	}
	log.Info().Stringer("instance", instance).Str("status", string(status)).Msg("Instance inspected.")
	return nil
}

// recoverFleet re-asserts the recorded state of every instance after a
// control plane restart: available instances get a start task, stopped
// ones a stop task. The per-instance claim rule keeps these from
// overlapping newer work on the same instance.
func (d *Deps) recoverFleet(ctx context.Context) error {
	instances, err := d.Store.ListInstancesByStatus(ctx,
		inventory.StatusAvailable, inventory.StatusStopped)
	if err != nil {
		return err
	}
	for _, instance := range instances {
		log.Info().Str("identifier", instance.Identifier).Str("status", string(instance.Status)).Msg("Ensuring instance state.")
		task := TaskStartDBInstance
		if instance.Status == inventory.StatusStopped {
			task = TaskStopDBInstance
		}
		if _, err := d.Store.EnqueueTask(ctx, task, instance.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deps) waitEndpoint(ctx context.Context, instance *inventory.Instance) error {
	if instance.Data.Endpoint == nil {
		log.Debug().Stringer("instance", instance).Msg("No endpoint recorded, skipping reachability wait.")
		return nil
	}
	return remote.WaitHost(ctx, instance.Data.Endpoint.Address, instance.Data.Endpoint.Port)
}

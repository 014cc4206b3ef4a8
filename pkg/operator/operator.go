// Package operator drives a machine from "exists" to "serves an
// initialized Postgres instance", combining the infrastructure backend
// with remote execution on the guest. Every step is idempotent, a
// crashed provisioning run can be replayed from the start.
package operator

import (
	"context"
	"errors"
	"strings"

	_ "embed"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/config"
	"github.com/pgplane/pgplane/pkg/iaas"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/remote"
)

// HelperPath is where the helper script lands on the guest.
const HelperPath = "/usr/local/bin/pghelper.sh"

const postgresPort = 5432

//go:embed pghelper.sh
var helperScript []byte

// Shell is the remote execution surface the operator needs. Satisfied
// by remote.Shell.
type Shell interface {
	Run(ctx context.Context, args ...interface{}) (string, error)
	Push(ctx context.Context, content []byte, remotePath string, mode uint32) error
	Wait(ctx context.Context) error
}

// Operator provisions Postgres on machines of one backend.
type Operator struct {
	iaas iaas.IaaS
	cfg  *config.Settings

	// newShell builds the SSH session to a guest. Swappable in tests.
	newShell func(user, host string) Shell
}

func New(backend iaas.IaaS, cfg *config.Settings) *Operator {
	return &Operator{
		iaas: backend,
		cfg:  cfg,
		newShell: func(user, host string) Shell {
			return remote.NewShell(user, host)
		},
	}
}

// CreateDBInstance brings up the machine described by data and
// provisions Postgres on it. Safe to replay: existing machines, disks,
// volume groups, roles and databases are reused.
func (o *Operator) CreateDBInstance(ctx context.Context, data inventory.InstanceData) (*inventory.Endpoint, error) {
	name := data.DBInstanceIdentifier

	machine, err := o.iaas.CreateMachine(ctx, name, data.AllocatedStorage)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("machine", machine.Name).Msg("Machine allocated.")

	if err := o.iaas.StartMachine(ctx, name, iaas.DefaultStartWait); err != nil {
		return nil, err
	}

	address := o.iaas.Endpoint(name)
	shell := o.newShell("root", address)
	if err := shell.Wait(ctx); err != nil {
		return nil, err
	}

	log.Debug().Str("host", address).Msg("Sending helper script.")
	if err := shell.Push(ctx, helperScript, HelperPath, 0o755); err != nil {
		return nil, err
	}

	if err := o.ensureInstance(ctx, shell, name, data.EngineVersion); err != nil {
		return nil, err
	}

	_, err = shell.Run(ctx, HelperPath, "create-masteruser",
		data.MasterUsername, remote.Secret(data.MasterUserPassword))
	if err != nil {
		return nil, err
	}

	if err := o.ensureDatabase(ctx, shell, name, data.MasterUsername); err != nil {
		return nil, err
	}

	return &inventory.Endpoint{Address: address, Port: postgresPort}, nil
}

// ensureInstance formats the data disk and initializes Postgres,
// unless the volume group is already there from a previous run.
func (o *Operator) ensureInstance(ctx context.Context, shell Shell, name, engineVersion string) error {
	_, err := shell.Run(ctx, "test", "-d", "/dev/Postgres")
	if err == nil {
		log.Debug().Msg("Reusing Postgres instance.")
		return nil
	}
	var cmdErr *remote.CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}

	dev, err := o.iaas.GuessDataDeviceInGuest(ctx, name)
	if err != nil {
		return err
	}
	if _, err := shell.Run(ctx, HelperPath, "prepare-disk", dev); err != nil {
		return err
	}
	if _, err := shell.Run(ctx, HelperPath, "create-instance", engineVersion, name); err != nil {
		return err
	}
	_, err = shell.Run(ctx, HelperPath, "start")
	return err
}

func (o *Operator) ensureDatabase(ctx context.Context, shell Shell, name, owner string) error {
	bases, err := shell.Run(ctx, HelperPath, "psql", "-l")
	if err != nil {
		return err
	}
	if strings.Contains(bases, "\n "+name+" ") {
		log.Debug().Str("database", name).Msg("Reusing database.")
		return nil
	}
	log.Debug().Str("database", name).Msg("Creating database.")
	_, err = shell.Run(ctx, HelperPath, "create-database", name, owner)
	return err
}

// IsRunning probes whether Postgres itself answers on the machine, not
// just whether the machine is powered.
func (o *Operator) IsRunning(ctx context.Context, name string) bool {
	shell := o.newShell("root", o.iaas.Endpoint(name))
	if _, err := shell.Run(ctx, HelperPath, "psql", "-l"); err != nil {
		log.Debug().Err(err).Msg("Failed to execute SQL in Postgres.")
		return false
	}
	return true
}

// Package actions is the RDS action surface. Each method takes the
// decoded flat parameter map of one API action and returns a result
// the caller encodes as XML. Provisioning work is enqueued, never run
// inline.
package actions

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/worker"
)

const defaultEngineVersion = "11"

// Service dispatches API actions against the inventory.
type Service struct {
	store *inventory.Store
}

// New builds the action service over store.
func New(store *inventory.Store) *Service {
	return &Service{store: store}
}

// CreateDBInstance registers a new instance as creating and enqueues
// provisioning. The row is visible to Describe immediately.
func (s *Service) CreateDBInstance(ctx context.Context, params map[string]string) (*DBInstance, error) {
	identifier := params["DBInstanceIdentifier"]
	if identifier == "" {
		return nil, apperrors.NewKnown("missing parameter DBInstanceIdentifier")
	}
	storage, err := strconv.Atoi(params["AllocatedStorage"])
	if err != nil {
		return nil, apperrors.NewKnown("bad parameter AllocatedStorage: %q", params["AllocatedStorage"])
	}
	version := params["EngineVersion"]
	if version == "" {
		version = defaultEngineVersion
	}

	instance := &inventory.Instance{
		ID:         uuid.New().String(),
		Identifier: identifier,
		Status:     inventory.StatusCreating,
		Data: inventory.InstanceData{
			DBInstanceIdentifier: identifier,
			AllocatedStorage:     storage,
			Engine:               "postgres",
			EngineVersion:        version,
			MasterUsername:       params["MasterUsername"],
			MasterUserPassword:   params["MasterUserPassword"],
		},
	}
	if err := s.store.CreateInstance(ctx, instance); err != nil {
		return nil, err
	}
	if _, err := s.store.EnqueueTask(ctx, worker.TaskCreateDBInstance, instance.ID); err != nil {
		return nil, err
	}
	log.Info().Stringer("instance", instance).Msg("Instance registered.")
	return encodeInstance(instance), nil
}

// DeleteDBInstance marks the instance deleting and enqueues teardown.
func (s *Service) DeleteDBInstance(ctx context.Context, params map[string]string) (*DBInstance, error) {
	return s.transition(ctx, params, inventory.StatusDeleting, worker.TaskDeleteDBInstance)
}

// StartDBInstance marks the instance starting and enqueues the power-on.
func (s *Service) StartDBInstance(ctx context.Context, params map[string]string) (*DBInstance, error) {
	return s.transition(ctx, params, inventory.StatusStarting, worker.TaskStartDBInstance)
}

// StopDBInstance marks the instance stopping and enqueues the power-off.
func (s *Service) StopDBInstance(ctx context.Context, params map[string]string) (*DBInstance, error) {
	return s.transition(ctx, params, inventory.StatusStopping, worker.TaskStopDBInstance)
}

// RebootDBInstance marks the instance rebooting and enqueues the cycle.
func (s *Service) RebootDBInstance(ctx context.Context, params map[string]string) (*DBInstance, error) {
	return s.transition(ctx, params, inventory.StatusRebooting, worker.TaskRebootDBInstance)
}

// DescribeDBInstances lists instances, optionally filtered by
// identifier. Always reflects the last committed status.
func (s *Service) DescribeDBInstances(ctx context.Context, params map[string]string) (*DBInstances, error) {
	instances, err := s.store.ListInstances(ctx, params["DBInstanceIdentifier"])
	if err != nil {
		return nil, err
	}
	out := &DBInstances{}
	for _, instance := range instances {
		out.Instances = append(out.Instances, *encodeInstance(instance))
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, params map[string]string, status inventory.Status, task string) (*DBInstance, error) {
	instance, err := s.lookup(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetInstanceStatus(ctx, instance.ID, status, ""); err != nil {
		return nil, err
	}
	instance.Status = status
	instance.StatusMessage = ""
	if _, err := s.store.EnqueueTask(ctx, task, instance.ID); err != nil {
		return nil, err
	}
	return encodeInstance(instance), nil
}

func (s *Service) lookup(ctx context.Context, params map[string]string) (*inventory.Instance, error) {
	identifier := params["DBInstanceIdentifier"]
	if identifier == "" {
		return nil, apperrors.NewKnown("missing parameter DBInstanceIdentifier")
	}
	instance, err := s.store.GetInstanceByIdentifier(ctx, identifier)
	if errors.Is(err, inventory.ErrNotFound) {
		return nil, apperrors.NewKnown("no instance named %s", identifier)
	}
	return instance, err
}

// DBInstance is the XML shape of one instance, named after the RDS
// response element.
type DBInstance struct {
	XMLName              struct{}            `xml:"DBInstance" json:"-"`
	DBInstanceIdentifier string              `xml:"DBInstanceIdentifier"`
	Engine               string              `xml:"Engine"`
	DBInstanceStatus     string              `xml:"DBInstanceStatus"`
	MasterUsername       string              `xml:"MasterUsername"`
	Endpoint             *inventory.Endpoint `xml:"Endpoint,omitempty"`
	AllocatedStorage     int                 `xml:"AllocatedStorage"`
	InstanceCreateTime   string              `xml:"InstanceCreateTime"`
}

// DBInstances wraps a Describe listing.
type DBInstances struct {
	XMLName   struct{}     `xml:"DBInstances" json:"-"`
	Instances []DBInstance `xml:"DBInstance"`
}

func encodeInstance(instance *inventory.Instance) *DBInstance {
	return &DBInstance{
		DBInstanceIdentifier: instance.Identifier,
		Engine:               instance.Data.Engine,
		DBInstanceStatus:     string(instance.Status),
		MasterUsername:       instance.Data.MasterUsername,
		Endpoint:             instance.Data.Endpoint,
		AllocatedStorage:     instance.Data.AllocatedStorage,
		InstanceCreateTime:   instance.CreatedAt.UTC().Format(time.RFC3339),
	}
}

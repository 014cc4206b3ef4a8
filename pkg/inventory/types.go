package inventory

import (
	"fmt"
	"time"
)

// Status is the user-visible lifecycle state of an instance.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusAvailable Status = "available"
	StatusStarting  Status = "starting"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusRebooting Status = "rebooting"
	StatusDeleting  Status = "deleting"
	StatusFailed    Status = "failed"
)

// Endpoint is the network address clients connect to.
type Endpoint struct {
	Address string `json:"Address"`
	Port    int    `json:"Port"`
}

// InstanceData carries the creation parameters and, once provisioned,
// the endpoint. Field names follow the RDS API parameter names, the
// payload is stored as JSON. The master password is cleared once the
// instance is provisioned.
type InstanceData struct {
	DBInstanceIdentifier string    `json:"DBInstanceIdentifier"`
	AllocatedStorage     int       `json:"AllocatedStorage"`
	Engine               string    `json:"Engine"`
	EngineVersion        string    `json:"EngineVersion"`
	MasterUsername       string    `json:"MasterUsername"`
	MasterUserPassword   string    `json:"MasterUserPassword,omitempty"`
	Endpoint             *Endpoint `json:"Endpoint,omitempty"`
}

// Instance is one row of the durable inventory.
type Instance struct {
	ID            string       `json:"id"`
	Identifier    string       `json:"identifier"`
	Status        Status       `json:"status"`
	StatusMessage string       `json:"status_message,omitempty"`
	Data          InstanceData `json:"data"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (i *Instance) String() string {
	return fmt.Sprintf("instance %s %s (%s)", i.ID, i.Identifier, i.Status)
}

// TaskStatus is the queue-side state of a background task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of background work, durably queued.
type Task struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	InstanceID string     `json:"instance_id,omitempty"`
	Status     TaskStatus `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

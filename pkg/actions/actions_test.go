package actions

import (
	"context"
	"testing"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/worker"
)

func setupService(t *testing.T) (*Service, *inventory.Store) {
	t.Helper()

	store, err := inventory.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store), store
}

func createParams(identifier string) map[string]string {
	return map[string]string{
		"DBInstanceIdentifier": identifier,
		"AllocatedStorage":     "5",
		"MasterUsername":       "postgres",
		"MasterUserPassword":   "C0nfidentiel",
	}
}

func pendingTask(t *testing.T, store *inventory.Store, name string) *inventory.Task {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), inventory.TaskPending)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("no pending %s task, have %+v", name, tasks)
	return nil
}

func TestCreateDBInstance(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	result, err := svc.CreateDBInstance(ctx, createParams("test0"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.DBInstanceIdentifier != "test0" {
		t.Errorf("identifier = %s", result.DBInstanceIdentifier)
	}
	if result.DBInstanceStatus != "creating" {
		t.Errorf("status = %s, want creating", result.DBInstanceStatus)
	}
	if result.AllocatedStorage != 5 {
		t.Errorf("storage = %d, want 5", result.AllocatedStorage)
	}
	if result.Endpoint != nil {
		t.Error("endpoint set before provisioning")
	}

	instance, err := store.GetInstanceByIdentifier(ctx, "test0")
	if err != nil {
		t.Fatalf("row not created: %v", err)
	}
	if instance.Data.EngineVersion != "11" {
		t.Errorf("engine version = %s, want default 11", instance.Data.EngineVersion)
	}
	if instance.Data.MasterUserPassword != "C0nfidentiel" {
		t.Error("master password not stored for the provisioning task")
	}

	task := pendingTask(t, store, worker.TaskCreateDBInstance)
	if task.InstanceID != instance.ID {
		t.Errorf("task targets %s, want %s", task.InstanceID, instance.ID)
	}
}

func TestCreateDBInstanceExplicitVersion(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	params := createParams("test0")
	params["EngineVersion"] = "13"
	if _, err := svc.CreateDBInstance(ctx, params); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	instance, err := store.GetInstanceByIdentifier(ctx, "test0")
	if err != nil {
		t.Fatalf("row not created: %v", err)
	}
	if instance.Data.EngineVersion != "13" {
		t.Errorf("engine version = %s, want 13", instance.Data.EngineVersion)
	}
}

func TestCreateDBInstanceBadParameters(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing identifier", func(p map[string]string) { delete(p, "DBInstanceIdentifier") }},
		{"bad storage", func(p map[string]string) { p["AllocatedStorage"] = "five" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := createParams("test0")
			tc.mutate(params)
			if _, err := svc.CreateDBInstance(ctx, params); !apperrors.IsKnown(err) {
				t.Errorf("err = %v, want known error", err)
			}
		})
	}
}

func TestCreateDBInstanceDuplicate(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.CreateDBInstance(ctx, createParams("test0")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := svc.CreateDBInstance(ctx, createParams("test0")); !apperrors.IsKnown(err) {
		t.Errorf("err = %v, want known error", err)
	}
}

func TestDeleteDBInstance(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	if _, err := svc.CreateDBInstance(ctx, createParams("test0")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := svc.DeleteDBInstance(ctx, map[string]string{"DBInstanceIdentifier": "test0"})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if result.DBInstanceStatus != "deleting" {
		t.Errorf("status = %s, want deleting", result.DBInstanceStatus)
	}

	instance, err := store.GetInstanceByIdentifier(ctx, "test0")
	if err != nil {
		t.Fatalf("row gone before the delete task ran: %v", err)
	}
	if instance.Status != inventory.StatusDeleting {
		t.Errorf("stored status = %s, want deleting", instance.Status)
	}
	pendingTask(t, store, worker.TaskDeleteDBInstance)
}

func TestTransitionUnknownInstance(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	for name, action := range map[string]func(context.Context, map[string]string) (*DBInstance, error){
		"delete": svc.DeleteDBInstance,
		"start":  svc.StartDBInstance,
		"stop":   svc.StopDBInstance,
		"reboot": svc.RebootDBInstance,
	} {
		if _, err := action(ctx, map[string]string{"DBInstanceIdentifier": "ghost"}); !apperrors.IsKnown(err) {
			t.Errorf("%s: err = %v, want known error", name, err)
		}
	}
}

func TestStartStopRebootEnqueue(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	if _, err := svc.CreateDBInstance(ctx, createParams("test0")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	params := map[string]string{"DBInstanceIdentifier": "test0"}

	cases := []struct {
		action func(context.Context, map[string]string) (*DBInstance, error)
		status inventory.Status
		task   string
	}{
		{svc.StopDBInstance, inventory.StatusStopping, worker.TaskStopDBInstance},
		{svc.StartDBInstance, inventory.StatusStarting, worker.TaskStartDBInstance},
		{svc.RebootDBInstance, inventory.StatusRebooting, worker.TaskRebootDBInstance},
	}
	for _, tc := range cases {
		result, err := tc.action(ctx, params)
		if err != nil {
			t.Fatalf("%s failed: %v", tc.task, err)
		}
		if result.DBInstanceStatus != string(tc.status) {
			t.Errorf("status = %s, want %s", result.DBInstanceStatus, tc.status)
		}
		pendingTask(t, store, tc.task)
	}
}

func TestDescribeDBInstances(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.CreateDBInstance(ctx, createParams("test0")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.CreateDBInstance(ctx, createParams("test1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	all, err := svc.DescribeDBInstances(ctx, map[string]string{})
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if len(all.Instances) != 2 {
		t.Errorf("instances = %d, want 2", len(all.Instances))
	}

	one, err := svc.DescribeDBInstances(ctx, map[string]string{"DBInstanceIdentifier": "test1"})
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if len(one.Instances) != 1 || one.Instances[0].DBInstanceIdentifier != "test1" {
		t.Errorf("filtered = %+v", one.Instances)
	}

	none, err := svc.DescribeDBInstances(ctx, map[string]string{"DBInstanceIdentifier": "ghost"})
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if len(none.Instances) != 0 {
		t.Errorf("ghost listing = %+v", none.Instances)
	}
}

package inventory

import (
	"context"
	"testing"
)

func TestEnqueueAndClaim(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	enqueued, err := store.EnqueueTask(ctx, "create-db-instance", "abc")
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if enqueued.ID == 0 || enqueued.Status != TaskPending {
		t.Errorf("enqueued = %+v", enqueued)
	}

	claimed, err := store.ClaimTask(ctx)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("claim returned nothing with a pending task queued")
	}
	if claimed.ID != enqueued.ID || claimed.Name != "create-db-instance" || claimed.InstanceID != "abc" {
		t.Errorf("claimed = %+v", claimed)
	}
	if claimed.Status != TaskRunning || claimed.StartedAt == nil {
		t.Errorf("claimed task not marked running: %+v", claimed)
	}

	again, err := store.ClaimTask(ctx)
	if err != nil {
		t.Fatalf("failed to re-claim: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed the same task twice: %+v", again)
	}

	if err := store.FinishTask(ctx, claimed.ID, TaskDone); err != nil {
		t.Fatalf("failed to finish: %v", err)
	}
}

func TestClaimSkipsBusyInstance(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.EnqueueTask(ctx, "stop-db-instance", "abc"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, "start-db-instance", "abc"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.EnqueueTask(ctx, "reboot-db-instance", "xyz"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	first, err := store.ClaimTask(ctx)
	if err != nil || first == nil {
		t.Fatalf("first claim: %+v, %v", first, err)
	}
	if first.Name != "stop-db-instance" {
		t.Errorf("claims out of order: %+v", first)
	}

	// abc has a running task, the next claim must skip to xyz.
	second, err := store.ClaimTask(ctx)
	if err != nil || second == nil {
		t.Fatalf("second claim: %+v, %v", second, err)
	}
	if second.InstanceID != "xyz" {
		t.Errorf("claimed a busy instance's task: %+v", second)
	}

	third, err := store.ClaimTask(ctx)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if third != nil {
		t.Errorf("claimed with both instances busy: %+v", third)
	}

	// Finishing abc's task frees its queue.
	if err := store.FinishTask(ctx, first.ID, TaskDone); err != nil {
		t.Fatalf("failed to finish: %v", err)
	}
	fourth, err := store.ClaimTask(ctx)
	if err != nil || fourth == nil {
		t.Fatalf("fourth claim: %+v, %v", fourth, err)
	}
	if fourth.Name != "start-db-instance" {
		t.Errorf("expected abc's queued task, got %+v", fourth)
	}
}

func TestClaimFleetTask(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.EnqueueTask(ctx, "recover-fleet", ""); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	claimed, err := store.ClaimTask(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}
	if claimed.InstanceID != "" {
		t.Errorf("fleet task carries instance %q", claimed.InstanceID)
	}
}

func TestResetRunningTasks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.EnqueueTask(ctx, "create-db-instance", "abc"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	claimed, err := store.ClaimTask(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}

	// Simulates a worker crash: the running task goes back to pending.
	n, err := store.ResetRunningTasks(ctx)
	if err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d tasks, want 1", n)
	}

	pending, err := store.ListTasks(ctx, TaskPending)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != claimed.ID {
		t.Errorf("pending after reset = %+v", pending)
	}
}

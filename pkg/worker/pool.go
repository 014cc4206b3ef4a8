package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/telemetry"
)

// pollInterval is how long an idle worker waits before re-checking the
// queue.
const pollInterval = 250 * time.Millisecond

// Pool runs tasks from the durable queue on a fixed set of goroutines.
type Pool struct {
	deps    *Deps
	workers int
}

// NewPool builds a pool of n workers over deps.
func NewPool(deps *Deps, workers int) *Pool {
	deps.setDefaults()
	if workers < 1 {
		workers = 1
	}
	return &Pool{deps: deps, workers: workers}
}

// Run drains the queue until ctx is cancelled. Tasks left running by a
// previous crashed process are requeued first.
func (p *Pool) Run(ctx context.Context) error {
	requeued, err := p.deps.Store.ResetRunningTasks(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		log.Warn().Int64("tasks", requeued).Msg("Requeued tasks from a previous run.")
	}

	log.Info().Int("workers", p.workers).Msg("Worker pool started.")
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	log.Info().Msg("Worker pool stopped.")
	return nil
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.deps.Store.ClaimTask(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Int("worker", worker).Msg("Failed to claim task.")
			}
			p.idle(ctx)
			continue
		}
		if task == nil {
			p.idle(ctx)
			continue
		}

		p.deps.RunTask(ctx, task)
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(pollInterval):
	}
}

// RunTask executes one claimed task. This is the actor boundary: every
// error is logged and swallowed here, the queue never redelivers.
// Known errors log concisely, unexpected ones with full detail.
func (d *Deps) RunTask(ctx context.Context, task *inventory.Task) {
	d.setDefaults()
	start := time.Now()
	d.Metrics.RecordTaskStarted(task.Name)
	log.Debug().Str("task", task.Name).Int64("id", task.ID).Msg("Running task.")

	ctx, span := otel.Tracer("pgplane/worker").Start(ctx, task.Name)
	span.SetAttributes(attribute.String("instance.id", task.InstanceID))
	defer span.End()

	var err error
	if fn, ok := d.taskFunc(task.Name); ok {
		err = fn(ctx, task.InstanceID)
	} else {
		err = apperrors.NewKnown("unknown task %s", task.Name)
	}
	if err != nil && !IsStop(err) {
		telemetry.RecordError(span, err)
	}

	outcome := inventory.TaskDone
	switch {
	case err == nil:
	case IsStop(err):
		log.Info().Str("task", task.Name).Msg(err.Error())
	case apperrors.IsKnown(err):
		log.Error().Str("task", task.Name).Msgf("Task failed: %s", err)
		outcome = inventory.TaskFailed
		d.Metrics.RecordError("known")
	default:
		log.Error().Err(err).Str("task", task.Name).Msg("Unhandled error in task.")
		outcome = inventory.TaskFailed
		d.Metrics.RecordError("unexpected")
	}

	if ferr := d.Store.FinishTask(ctx, task.ID, outcome); ferr != nil {
		log.Error().Err(ferr).Int64("id", task.ID).Msg("Failed to finish task.")
	}
	d.Metrics.RecordTaskFinished(task.Name, string(outcome), time.Since(start))

	if pending, err := d.Store.ListTasks(ctx, inventory.TaskPending); err == nil {
		d.Metrics.SetQueuedTasks(float64(len(pending)))
	}
}

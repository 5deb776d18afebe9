package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/task"
)

// ErrPreviousRunPending is returned by TriggerNow while the job's previous
// task has not reported.
var ErrPreviousRunPending = errors.New("previous scheduled task not yet reported")

// SpawnFunc registers taskID as a queued task under job.MinionID
type SpawnFunc func(ctx context.Context, job *Job, taskID string) error

// TaskLookup resolves a task's current state
type TaskLookup interface {
	Get(id string) (task.Task, bool)
}

// Runner fires enabled jobs on their cron schedules
type Runner struct {
	store *Store
	spawn SpawnFunc
	tasks TaskLookup
	cron  *cron.Cron
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID // job ID -> cron entry
}

// NewRunner creates a runner. tasks may be nil, in which case every firing
// spawns regardless of the previous task.
func NewRunner(store *Store, spawn SpawnFunc, tasks TaskLookup) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store: store,
		spawn: spawn,
		tasks: tasks,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.Recover(cronLogger{})),
		),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Start schedules every enabled job and starts the cron loop
func (r *Runner) Start() error {
	enabled := true
	jobs, err := r.store.List(&ListFilter{Enabled: &enabled})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := r.Schedule(job); err != nil {
			logger.Error("Failed to schedule job %s: %v", job.ID, err)
		}
	}
	r.cron.Start()
	logger.Info("Schedule runner started with %d jobs", len(jobs))
	return nil
}

// Stop stops the cron loop and waits for running firings
func (r *Runner) Stop() {
	logger.Info("Stopping schedule runner...")
	r.cancel()
	<-r.cron.Stop().Done()
	logger.Info("Schedule runner stopped")
}

// Schedule adds or replaces the cron entry for job. Disabled jobs are
// unscheduled.
func (r *Runner) Schedule(job *Job) error {
	r.Unschedule(job.ID)
	if !job.Enabled {
		return nil
	}

	sched, err := ParseCron(job.CronExpr)
	if err != nil {
		return err
	}
	jobID := job.ID
	id := r.cron.Schedule(sched, cron.FuncJob(func() { r.fire(jobID) }))

	r.mu.Lock()
	r.entries[jobID] = id
	r.mu.Unlock()
	return nil
}

// Unschedule removes the job's cron entry, if any
func (r *Runner) Unschedule(jobID string) {
	r.mu.Lock()
	id, ok := r.entries[jobID]
	delete(r.entries, jobID)
	r.mu.Unlock()
	if ok {
		r.cron.Remove(id)
	}
}

// Scheduled reports whether the job has a cron entry
func (r *Runner) Scheduled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[jobID]
	return ok
}

// fire is the cron callback. It reloads the job so edits made since it was
// scheduled apply.
func (r *Runner) fire(jobID string) {
	job, err := r.store.Get(jobID)
	if err != nil {
		logger.Error("Failed to load scheduled job %s: %v", jobID, err)
		if errors.Is(err, ErrJobNotFound) {
			r.Unschedule(jobID)
		}
		return
	}
	if _, err := r.run(r.ctx, job, true); err != nil && !errors.Is(err, ErrPreviousRunPending) {
		logger.Error("Scheduled job %s failed: %v", jobID, err)
	}
}

// TriggerNow fires job immediately without updating its run times
func (r *Runner) TriggerNow(ctx context.Context, jobID string) (string, error) {
	job, err := r.store.Get(jobID)
	if err != nil {
		return "", err
	}
	logger.Info("Manually triggering job %s (%s)", job.ID, job.Name)
	return r.run(ctx, job, false)
}

// run spawns a task for job unless its previous task is still pending
func (r *Runner) run(ctx context.Context, job *Job, scheduled bool) (string, error) {
	if !job.Enabled && scheduled {
		return "", nil
	}
	if r.previousPending(job) {
		logger.Info("Skipping job %s (%s): task %s not yet reported", job.ID, job.Name, job.LastTaskID)
		return "", fmt.Errorf("%w: %s", ErrPreviousRunPending, job.LastTaskID)
	}

	taskID := "sched_" + uuid.New().String()[:8]
	if err := r.spawn(ctx, job, taskID); err != nil {
		return "", fmt.Errorf("spawn task for job %s: %w", job.ID, err)
	}

	now := r.now()
	if scheduled {
		nextRun, err := NextRun(job.CronExpr, now)
		if err != nil {
			return taskID, err
		}
		if err := r.store.RecordRun(job.ID, taskID, now, nextRun); err != nil {
			return taskID, err
		}
	} else if err := r.store.SetLastTask(job.ID, taskID); err != nil {
		return taskID, err
	}

	logger.Info("Job %s spawned task %s for minion %s", job.ID, taskID, job.MinionID)
	return taskID, nil
}

func (r *Runner) previousPending(job *Job) bool {
	if job.LastTaskID == "" || r.tasks == nil {
		return false
	}
	t, ok := r.tasks.Get(job.LastTaskID)
	return ok && t.Status != task.StatusReported
}

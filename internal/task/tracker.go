package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/lattice/internal/metrics"
)

// ProcessLister supplies background processes to fold into descendant
// listings.
type ProcessLister interface {
	List(ctx context.Context) ([]Process, error)
}

// OwnershipPredicate reports whether candidateMinionID runs under rootMinionID
type OwnershipPredicate func(rootMinionID, candidateMinionID string) bool

// Tracker is the shared task forest. All state sits behind one mutex and
// no I/O happens while it is held.
type Tracker struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	order    []string
	maxDepth int

	processes ProcessLister
	owns      OwnershipPredicate
	now       func() time.Time
}

type Option func(*Tracker)

// WithMaxDepth rejects spawns deeper than depth. Zero means unlimited.
func WithMaxDepth(depth int) Option {
	return func(t *Tracker) { t.maxDepth = depth }
}

// WithProcesses folds processes from lister into descendant listings. A nil
// predicate places a process under a root when its minion is the root or
// one of the root's descendant tasks. The predicate is never called with
// the tracker lock held.
func WithProcesses(lister ProcessLister, owns OwnershipPredicate) Option {
	return func(t *Tracker) {
		t.processes = lister
		t.owns = owns
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterRoot records a top-level minion as a running root task at depth 0.
// Registering an existing root again is a no-op.
func (t *Tracker) RegisterRoot(minionID, displayName string) (Task, error) {
	t.mu.Lock()
	if existing, ok := t.tasks[minionID]; ok {
		defer t.mu.Unlock()
		if existing.ParentID != "" {
			return Task{}, fmt.Errorf("%w: %s is a spawned task", ErrTaskExists, minionID)
		}
		return *existing, nil
	}
	task := &Task{
		ID:          minionID,
		MinionID:    minionID,
		Status:      StatusRunning,
		Origin:      OriginAgent,
		DisplayName: displayName,
		CreatedAt:   t.now(),
	}
	t.insertLocked(task)
	counts := t.countsLocked()
	t.mu.Unlock()

	metrics.SetTaskCounts(counts)
	return *task, nil
}

type spawnConfig struct {
	status      Status
	displayName string
}

type SpawnOption func(*spawnConfig)

// WithDisplayName labels the spawned task
func WithDisplayName(name string) SpawnOption {
	return func(c *spawnConfig) { c.displayName = name }
}

// WithInitialStatus starts the task as running instead of queued
func WithInitialStatus(s Status) SpawnOption {
	return func(c *spawnConfig) { c.status = s }
}

// RegisterSpawn records childID as spawned by parentID. depth must equal
// the parent's depth + 1.
func (t *Tracker) RegisterSpawn(parentID, childID string, depth int, opts ...SpawnOption) (Task, error) {
	cfg := spawnConfig{status: StatusQueued}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.status != StatusQueued && cfg.status != StatusRunning {
		return Task{}, fmt.Errorf("%w: spawned task cannot start as %s", ErrInvalidTransition, cfg.status)
	}

	t.mu.Lock()
	parent, ok := t.tasks[parentID]
	if !ok {
		t.mu.Unlock()
		return Task{}, fmt.Errorf("%w: parent %s", ErrTaskNotFound, parentID)
	}
	if _, exists := t.tasks[childID]; exists {
		t.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskExists, childID)
	}
	if depth != parent.Depth+1 {
		t.mu.Unlock()
		return Task{}, fmt.Errorf("%w: got %d, parent %s is at %d", ErrDepthMismatch, depth, parentID, parent.Depth)
	}
	if t.maxDepth > 0 && depth > t.maxDepth {
		t.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %d > %d", ErrDepthExceeded, depth, t.maxDepth)
	}
	if parent.Status == StatusReported {
		t.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrParentReported, parentID)
	}

	task := &Task{
		ID:          childID,
		ParentID:    parentID,
		MinionID:    parentID,
		Depth:       depth,
		Status:      cfg.status,
		Origin:      OriginAgent,
		DisplayName: cfg.displayName,
		CreatedAt:   t.now(),
	}
	t.insertLocked(task)
	counts := t.countsLocked()
	t.mu.Unlock()

	metrics.SetTaskCounts(counts)
	return *task, nil
}

func (t *Tracker) insertLocked(task *Task) {
	t.tasks[task.ID] = task
	t.order = append(t.order, task.ID)
}

// Get returns a copy of the task
func (t *Tracker) Get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

var transitions = map[Status][]Status{
	StatusQueued:         {StatusRunning},
	StatusRunning:        {StatusAwaitingReport},
	StatusAwaitingReport: {StatusRunning},
}

// SetStatus moves a task along its lifecycle. Reported is only reachable
// through AcceptReport.
func (t *Tracker) SetStatus(id string, status Status) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status == status {
		t.mu.Unlock()
		return nil
	}
	if !allowed(task.Status, status) {
		t.mu.Unlock()
		if status == StatusReported {
			return fmt.Errorf("%w: %s -> %s (use AcceptReport)", ErrInvalidTransition, task.Status, status)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status)
	}
	task.Status = status
	counts := t.countsLocked()
	t.mu.Unlock()

	metrics.SetTaskCounts(counts)
	return nil
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ListDescendants returns every task spawned (transitively) under rootID
// whose status is in statuses, in spawn order, followed by background
// processes owned by the tree. An empty filter means DefaultStatusFilter.
func (t *Tracker) ListDescendants(ctx context.Context, rootID string, statuses ...Status) ([]Descendant, error) {
	procs, err := t.listProcesses(ctx, rootID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	all, err := t.descendantsLocked(rootID, procs)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if len(statuses) == 0 {
		statuses = DefaultStatusFilter
	}
	return filter(all, statuses), nil
}

// HasUnresolvedDescendants reports whether any descendant of rootID,
// including owned background processes, is not reported.
func (t *Tracker) HasUnresolvedDescendants(ctx context.Context, rootID string) (bool, error) {
	pending, err := t.ListDescendants(ctx, rootID, DefaultStatusFilter...)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// AcceptReport marks taskID reported. Only running or awaiting_report
// tasks may report; reporting again is a no-op. It is rejected with a
// *ReportRejectedError while any descendant is unresolved. The task-tree
// check and the status change happen under one lock acquisition.
func (t *Tracker) AcceptReport(ctx context.Context, taskID string) error {
	procs, err := t.listProcesses(ctx, taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	all, err := t.descendantsLocked(taskID, procs)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	switch status := t.tasks[taskID].Status; status {
	case StatusReported:
		t.mu.Unlock()
		return nil
	case StatusQueued:
		t.mu.Unlock()
		return fmt.Errorf("%w: %s cannot report while %s", ErrInvalidTransition, taskID, status)
	}
	if pending := filter(all, DefaultStatusFilter); len(pending) > 0 {
		t.mu.Unlock()
		metrics.RecordReportRejection()
		return &ReportRejectedError{TaskID: taskID, Pending: pending}
	}
	t.tasks[taskID].Status = StatusReported
	counts := t.countsLocked()
	t.mu.Unlock()

	metrics.SetTaskCounts(counts)
	return nil
}

// listProcesses fetches processes for rootID. A host predicate is applied
// here, outside the lock, so it may call back into the Tracker.
func (t *Tracker) listProcesses(ctx context.Context, rootID string) ([]Process, error) {
	if t.processes == nil {
		return nil, nil
	}
	procs, err := t.processes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list background processes: %w", err)
	}
	if t.owns == nil {
		return procs, nil
	}
	owned := make([]Process, 0, len(procs))
	for _, p := range procs {
		if t.owns(rootID, p.MinionID) {
			owned = append(owned, p)
		}
	}
	return owned, nil
}

// descendantsLocked returns all descendants of rootID in spawn order, then
// owned processes. procs is already filtered when a host predicate is set.
// Parents are always inserted before their children, so one pass over
// t.order finds every descendant.
func (t *Tracker) descendantsLocked(rootID string, procs []Process) ([]Descendant, error) {
	root, ok := t.tasks[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, rootID)
	}

	depthOf := map[string]int{rootID: 0}
	var out []Descendant
	for _, id := range t.order {
		task := t.tasks[id]
		if _, under := depthOf[task.ParentID]; !under {
			continue
		}
		rel := task.Depth - root.Depth
		depthOf[id] = rel
		out = append(out, Descendant{Task: *task, RelativeDepth: rel})
	}

	for _, p := range procs {
		if _, inTree := depthOf[p.MinionID]; t.owns == nil && !inTree {
			continue
		}
		rel := 1
		if ownerDepth, ok := depthOf[p.MinionID]; ok {
			rel = ownerDepth + 1
		}
		out = append(out, Descendant{
			Task: Task{
				ID:          p.ID,
				ParentID:    p.MinionID,
				MinionID:    p.MinionID,
				Depth:       root.Depth + rel,
				Status:      ProcessStatus(p.Status),
				Origin:      OriginProcess,
				DisplayName: p.DisplayName,
				CreatedAt:   p.StartTime,
			},
			RelativeDepth: rel,
		})
	}
	return out, nil
}

// IsDescendant reports whether candidateID is rootID or spawned under it.
// It satisfies OwnershipPredicate.
func (t *Tracker) IsDescendant(rootID, candidateID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := candidateID; id != ""; {
		if id == rootID {
			return true
		}
		task, ok := t.tasks[id]
		if !ok {
			return false
		}
		id = task.ParentID
	}
	return false
}

// Counts returns the number of tasks per status
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countsLocked()
}

func (t *Tracker) countsLocked() map[string]int {
	counts := make(map[string]int, len(AllStatuses))
	for _, task := range t.tasks {
		counts[string(task.Status)]++
	}
	return counts
}

func filter(ds []Descendant, statuses []Status) []Descendant {
	out := make([]Descendant, 0, len(ds))
	for _, d := range ds {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

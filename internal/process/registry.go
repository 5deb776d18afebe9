// Package process supplies background process descriptors to the task
// tracker and buffers their terminal output.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/lattice/internal/task"
)

const (
	StatusRunning  = "running"
	StatusReported = "reported"
)

var ErrProcessNotFound = errors.New("process not found")

// Registry is a source of background processes
type Registry interface {
	task.ProcessLister
}

// Recorder is a Registry the host can write to
type Recorder interface {
	Registry
	Register(p task.Process) error
	SetStatus(id, status string) error
	Remove(id string)
}

// MemoryRegistry tracks processes registered by the host
type MemoryRegistry struct {
	mu    sync.RWMutex
	procs map[string]task.Process
	order []string
}

var _ Recorder = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{procs: make(map[string]task.Process)}
}

// Register adds or replaces a process. A zero StartTime is set to now and
// an empty status means running.
func (r *MemoryRegistry) Register(p task.Process) error {
	if p.ID == "" || p.MinionID == "" {
		return fmt.Errorf("process id and minion id are required")
	}
	if p.Status == "" {
		p.Status = StatusRunning
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.procs[p.ID] = p
	return nil
}

func (r *MemoryRegistry) SetStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	p.Status = status
	r.procs[id] = p
	return nil
}

func (r *MemoryRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[id]; !ok {
		return
	}
	delete(r.procs, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns processes in registration order
func (r *MemoryRegistry) List(context.Context) ([]task.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Process, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.procs[id])
	}
	return out, nil
}

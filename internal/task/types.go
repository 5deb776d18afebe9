// Package task tracks the forest of spawned agent tasks and gates reports
// on unresolved descendants.
package task

import "time"

// Status is a task's position in queued → running → awaiting_report → reported.
// Background processes use only running and reported.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusAwaitingReport Status = "awaiting_report"
	StatusReported       Status = "reported"
)

// DefaultStatusFilter is used by ListDescendants when no statuses are given
var DefaultStatusFilter = []Status{StatusQueued, StatusRunning, StatusAwaitingReport}

// AllStatuses matches every task
var AllStatuses = []Status{StatusQueued, StatusRunning, StatusAwaitingReport, StatusReported}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaitingReport, StatusReported:
		return true
	}
	return false
}

// Origin distinguishes agent tasks from folded-in background processes
type Origin string

const (
	OriginAgent   Origin = "agent"
	OriginProcess Origin = "process"
)

// Task is one node of the forest. An agent task's id is also the id of the
// minion running it, so a root task id is a top-level minion id.
type Task struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentId,omitempty"`
	MinionID    string    `json:"minionId"`
	Depth       int       `json:"depth"`
	Status      Status    `json:"status"`
	Origin      Origin    `json:"origin"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Descendant is a task listed under a root, with its depth relative to it
type Descendant struct {
	Task
	RelativeDepth int `json:"relativeDepth"`
}

// Process is a background process descriptor supplied by a ProcessRegistry
type Process struct {
	ID          string
	MinionID    string
	Status      string
	DisplayName string
	StartTime   time.Time
}

// ProcessStatus maps a process status onto the task vocabulary: running
// stays running, anything else is reported.
func ProcessStatus(s string) Status {
	if s == string(StatusRunning) {
		return StatusRunning
	}
	return StatusReported
}

package schedule

import (
	"time"
)

// Job fires a prompt for a minion on a cron schedule. Each firing registers
// a queued task under the minion's task.
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	MinionID   string     `json:"minion_id"`
	CronExpr   string     `json:"cron_expr"` // Standard 5-field cron expression
	Prompt     string     `json:"prompt"`
	Enabled    bool       `json:"enabled"`
	LastTaskID string     `json:"last_task_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// JobUpdate contains optional fields for updating a job
type JobUpdate struct {
	Name     *string `json:"name,omitempty"`
	CronExpr *string `json:"cron_expr,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// ListFilter contains optional filters for listing jobs
type ListFilter struct {
	MinionID string
	Enabled  *bool
}

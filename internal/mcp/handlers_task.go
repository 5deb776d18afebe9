package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/task"
	"github.com/HyphaGroup/lattice/internal/validation"
)

func (s *Server) registerTaskTools(r *Registry) {
	Register(r, ToolDef{
		Name: "task_spawn",
		Description: `Register a task spawned by a parent task, one level deeper.

parent_id defaults to the task named by the X-Lattice-Task-ID header.
Set running to start the task as running instead of queued.`,
		Access: AccessWrite,
	}, s.handleTaskSpawn)

	Register(r, ToolDef{
		Name: "task_status",
		Description: `Get a task, or move it forward when status is given.

Statuses advance queued -> running -> awaiting_report -> reported. Use
task_report to mark a task reported.`,
		Access: AccessWrite,
	}, s.handleTaskStatus)

	Register(r, ToolDef{
		Name: "task_descendants",
		Description: `List tasks spawned (transitively) under task_id, plus background processes
owned by the tree. Defaults to unresolved statuses; set all for every status.`,
		Access: AccessRead,
	}, s.handleTaskDescendants)

	Register(r, ToolDef{
		Name: "task_report",
		Description: `Mark a task reported.

Rejected while any descendant task or owned background process is not
reported; the error lists them. Finish or await those first.`,
		Access: AccessWrite,
	}, s.handleTaskReport)
}

// resolveTaskID falls back to the task named by the request headers
func resolveTaskID(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = ExtractMCPContext(ctx).TaskID
	}
	if id == "" {
		return "", fmt.Errorf("task_id is required")
	}
	if err := validation.ValidateTaskID(id); err != nil {
		return "", err
	}
	return id, nil
}

type TaskSpawnParams struct {
	ParentID string `json:"parent_id,omitempty"`
	TaskID   string `json:"task_id"`
	Title    string `json:"title,omitempty"`
	Running  bool   `json:"running,omitempty"`
}

func (s *Server) handleTaskSpawn(ctx context.Context, request *mcp.CallToolRequest, params *TaskSpawnParams) (*mcp.CallToolResult, any, error) {
	parentID, err := resolveTaskID(ctx, params.ParentID)
	if err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateTaskID(params.TaskID); err != nil {
		return nil, nil, err
	}

	t, err := s.minions.SpawnTask(parentID, params.TaskID, params.Title, params.Running)
	s.recordAudit(ctx, &audit.Event{
		Operation: audit.OpTaskSpawn,
		TaskID:    params.TaskID,
		Details:   map[string]interface{}{"parent_id": parentID, "running": params.Running},
	}, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, t, nil
}

type TaskStatusParams struct {
	TaskID string      `json:"task_id,omitempty"`
	Status task.Status `json:"status,omitempty"`
}

func (s *Server) handleTaskStatus(ctx context.Context, request *mcp.CallToolRequest, params *TaskStatusParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveTaskID(ctx, params.TaskID)
	if err != nil {
		return nil, nil, err
	}

	if params.Status != "" {
		if !params.Status.Valid() {
			return nil, nil, fmt.Errorf("invalid status: %s", params.Status)
		}
		if params.Status == task.StatusReported {
			return nil, nil, fmt.Errorf("status reported must be set with task_report")
		}
		err := s.tracker.SetStatus(id, params.Status)
		s.recordAudit(ctx, &audit.Event{
			Operation: audit.OpTaskStatus,
			TaskID:    id,
			Details:   map[string]interface{}{"status": params.Status},
		}, err)
		if err != nil {
			return nil, nil, err
		}
	}

	t, ok := s.tracker.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return nil, t, nil
}

type TaskDescendantsParams struct {
	TaskID   string        `json:"task_id,omitempty"`
	Statuses []task.Status `json:"statuses,omitempty"`
	All      bool          `json:"all,omitempty"`
}

func (s *Server) handleTaskDescendants(ctx context.Context, request *mcp.CallToolRequest, params *TaskDescendantsParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveTaskID(ctx, params.TaskID)
	if err != nil {
		return nil, nil, err
	}

	statuses := params.Statuses
	if params.All {
		statuses = task.AllStatuses
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, nil, fmt.Errorf("invalid status: %s", st)
		}
	}

	ds, err := s.tracker.ListDescendants(ctx, id, statuses...)
	if err != nil {
		return nil, nil, err
	}
	if ds == nil {
		ds = []task.Descendant{}
	}
	return nil, map[string]any{"task_id": id, "descendants": ds, "count": len(ds)}, nil
}

type TaskReportParams struct {
	TaskID string `json:"task_id,omitempty"`
}

type TaskReportResult struct {
	TaskID   string            `json:"task_id"`
	Accepted bool              `json:"accepted"`
	Pending  []task.Descendant `json:"pending,omitempty"`
	Message  string            `json:"message,omitempty"`
}

func (s *Server) handleTaskReport(ctx context.Context, request *mcp.CallToolRequest, params *TaskReportParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveTaskID(ctx, params.TaskID)
	if err != nil {
		return nil, nil, err
	}

	err = s.tracker.AcceptReport(ctx, id)
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpTaskReport, TaskID: id}, err)
	var rejected *task.ReportRejectedError
	switch {
	case errors.As(err, &rejected):
		return nil, TaskReportResult{
			TaskID:  id,
			Pending: rejected.Pending,
			Message: rejected.Error(),
		}, nil
	case err != nil:
		return nil, nil, err
	}
	return nil, TaskReportResult{TaskID: id, Accepted: true}, nil
}

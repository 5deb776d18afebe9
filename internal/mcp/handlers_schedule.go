package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/schedule"
	"github.com/HyphaGroup/lattice/internal/validation"
)

func (s *Server) registerScheduleTools(r *Registry) {
	Register(r, ToolDef{
		Name: "schedule_create",
		Description: `Create a scheduled job that spawns a queued task under a minion on a cron schedule.

Key parameters:
  minion_id : minion whose task the firings are spawned under (defaults to the calling minion)
  cron_expr : standard 5-field cron expression, e.g. "0 9 * * 1-5"
  prompt    : prompt handed to each spawned task
  enabled   : defaults to true

A firing is skipped while the job's previous task has not reported.`,
		Access: AccessWrite,
	}, s.handleScheduleCreate)

	Register(r, ToolDef{
		Name:        "schedule_list",
		Description: `List scheduled jobs, optionally filtered by minion_id and enabled.`,
		Access:      AccessRead,
	}, s.handleScheduleList)

	Register(r, ToolDef{
		Name:        "schedule_update",
		Description: `Update a job's name, cron_expr, prompt or enabled flag. The next run time is recomputed.`,
		Access:      AccessWrite,
	}, s.handleScheduleUpdate)

	Register(r, ToolDef{
		Name:        "schedule_delete",
		Description: `Delete a scheduled job. Tasks it already spawned are unaffected.`,
		Access:      AccessWrite,
	}, s.handleScheduleDelete)

	Register(r, ToolDef{
		Name:        "schedule_trigger",
		Description: `Fire a job now without changing its run times. Returns the spawned task id.`,
		Access:      AccessWrite,
	}, s.handleScheduleTrigger)
}

type ScheduleCreateParams struct {
	MinionID string `json:"minion_id,omitempty"`
	Name     string `json:"name,omitempty"`
	CronExpr string `json:"cron_expr"`
	Prompt   string `json:"prompt"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleScheduleCreate(ctx context.Context, request *mcp.CallToolRequest, params *ScheduleCreateParams) (*mcp.CallToolResult, any, error) {
	minionID, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	if params.CronExpr == "" {
		return nil, nil, fmt.Errorf("cron_expr is required")
	}
	if params.Prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}

	job := &schedule.Job{
		Name:     params.Name,
		MinionID: minionID,
		CronExpr: params.CronExpr,
		Prompt:   params.Prompt,
		Enabled:  true,
	}
	if params.Enabled != nil {
		job.Enabled = *params.Enabled
	}

	if err := s.schedules.Create(job); err != nil {
		s.recordAudit(ctx, &audit.Event{Operation: audit.OpScheduleCreate, MinionID: minionID}, err)
		return nil, nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	s.recordAudit(ctx, &audit.Event{
		Operation: audit.OpScheduleCreate,
		MinionID:  minionID,
		JobID:     job.ID,
		Details:   map[string]interface{}{"cron_expr": job.CronExpr, "enabled": job.Enabled},
	}, nil)
	if s.runner != nil {
		if err := s.runner.Schedule(job); err != nil {
			return nil, nil, err
		}
	}
	return nil, job, nil
}

type ScheduleListParams struct {
	MinionID string `json:"minion_id,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleScheduleList(ctx context.Context, request *mcp.CallToolRequest, params *ScheduleListParams) (*mcp.CallToolResult, any, error) {
	jobs, err := s.schedules.List(&schedule.ListFilter{MinionID: params.MinionID, Enabled: params.Enabled})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	if jobs == nil {
		jobs = []*schedule.Job{}
	}
	return nil, map[string]any{"jobs": jobs, "count": len(jobs)}, nil
}

type ScheduleUpdateParams struct {
	JobID    string  `json:"job_id"`
	Name     *string `json:"name,omitempty"`
	CronExpr *string `json:"cron_expr,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

func (s *Server) handleScheduleUpdate(ctx context.Context, request *mcp.CallToolRequest, params *ScheduleUpdateParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateJobID(params.JobID); err != nil {
		return nil, nil, err
	}
	job, err := s.schedules.Update(params.JobID, &schedule.JobUpdate{
		Name:     params.Name,
		CronExpr: params.CronExpr,
		Prompt:   params.Prompt,
		Enabled:  params.Enabled,
	})
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpScheduleUpdate, JobID: params.JobID}, err)
	if err != nil {
		return nil, nil, err
	}
	if s.runner != nil {
		if err := s.runner.Schedule(job); err != nil {
			return nil, nil, err
		}
	}
	return nil, job, nil
}

type ScheduleDeleteParams struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleScheduleDelete(ctx context.Context, request *mcp.CallToolRequest, params *ScheduleDeleteParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateJobID(params.JobID); err != nil {
		return nil, nil, err
	}
	err := s.schedules.Delete(params.JobID)
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpScheduleDelete, JobID: params.JobID}, err)
	if err != nil {
		return nil, nil, err
	}
	if s.runner != nil {
		s.runner.Unschedule(params.JobID)
	}
	return NewTextResult(fmt.Sprintf("Deleted schedule %s", params.JobID)), nil, nil
}

type ScheduleTriggerParams struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleScheduleTrigger(ctx context.Context, request *mcp.CallToolRequest, params *ScheduleTriggerParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateJobID(params.JobID); err != nil {
		return nil, nil, err
	}
	if s.runner == nil {
		return nil, nil, fmt.Errorf("schedule runner is not configured")
	}
	taskID, err := s.runner.TriggerNow(ctx, params.JobID)
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpScheduleTrigger, JobID: params.JobID, TaskID: taskID}, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"job_id": params.JobID, "task_id": taskID}, nil
}

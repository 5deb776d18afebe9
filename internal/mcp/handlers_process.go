package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/process"
	"github.com/HyphaGroup/lattice/internal/task"
	"github.com/HyphaGroup/lattice/internal/validation"
)

const defaultScrollbackLines = 200

func (s *Server) registerProcessTools(r *Registry) {
	Register(r, ToolDef{
		Name:        "process_list",
		Description: `List background processes, optionally only those owned by minion_id or its descendant tasks.`,
		Access:      AccessRead,
	}, s.handleProcessList)

	Register(r, ToolDef{
		Name: "process_scrollback",
		Description: `Return the last lines of a background process's persisted output
(default 200, limit < 0 for everything). Lines still buffered in memory
appear after the next flush.`,
		Access: AccessRead,
	}, s.handleProcessScrollback)

	Register(r, ToolDef{
		Name: "process_register",
		Description: `Register a background process (e.g. a terminal session) owned by a minion.

A running process keeps every ancestor task's report gated until
process_status moves it out of "running". Only the memory process backend accepts
registrations; docker processes are discovered from container labels.`,
		Access: AccessWrite,
	}, s.handleProcessRegister)

	Register(r, ToolDef{
		Name:        "process_status",
		Description: `Set a registered process's status, or remove it. Only "running" processes gate task reports.`,
		Access:      AccessWrite,
	}, s.handleProcessStatus)

	Register(r, ToolDef{
		Name: "process_output",
		Description: `Append output lines of a background process on behalf of a minion.

Lines are buffered and flushed to the scrollback store periodically; read them
back with process_scrollback. Set close when the process exits to schedule the
final flush.`,
		Access: AccessWrite,
	}, s.handleProcessOutput)
}

func (s *Server) recorder() (process.Recorder, error) {
	rec, ok := s.processes.(process.Recorder)
	if !ok {
		return nil, fmt.Errorf("process registry is read-only and does not accept registrations")
	}
	return rec, nil
}

type ProcessListParams struct {
	MinionID string `json:"minion_id,omitempty"`
}

func (s *Server) handleProcessList(ctx context.Context, request *mcp.CallToolRequest, params *ProcessListParams) (*mcp.CallToolResult, any, error) {
	if s.processes == nil {
		return nil, nil, fmt.Errorf("no process registry is configured")
	}
	procs, err := s.processes.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]task.Process, 0, len(procs))
	for _, p := range procs {
		if params.MinionID == "" || s.tracker.IsDescendant(params.MinionID, p.MinionID) {
			out = append(out, p)
		}
	}
	return nil, map[string]any{"processes": out, "count": len(out)}, nil
}

type ProcessScrollbackParams struct {
	ProcessID string `json:"process_id"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Server) handleProcessScrollback(ctx context.Context, request *mcp.CallToolRequest, params *ProcessScrollbackParams) (*mcp.CallToolResult, any, error) {
	if params.ProcessID == "" {
		return nil, nil, fmt.Errorf("process_id is required")
	}
	if s.scrollback == nil {
		return nil, nil, fmt.Errorf("no scrollback store is configured")
	}
	limit := params.Limit
	if limit == 0 {
		limit = defaultScrollbackLines
	}
	lines, err := s.scrollback.Scrollback(ctx, params.ProcessID, limit)
	if err != nil {
		return nil, nil, err
	}
	if lines == nil {
		lines = []string{}
	}
	return nil, map[string]any{"process_id": params.ProcessID, "lines": lines}, nil
}

type ProcessRegisterParams struct {
	ProcessID   string `json:"process_id"`
	MinionID    string `json:"minion_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (s *Server) handleProcessRegister(ctx context.Context, request *mcp.CallToolRequest, params *ProcessRegisterParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateProcessID(params.ProcessID); err != nil {
		return nil, nil, err
	}
	minionID, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.recorder()
	if err != nil {
		return nil, nil, err
	}

	err = rec.Register(task.Process{
		ID:          params.ProcessID,
		MinionID:    minionID,
		DisplayName: params.DisplayName,
		Status:      params.Status,
	})
	s.recordAudit(ctx, &audit.Event{
		Operation: audit.OpProcessRegister,
		MinionID:  minionID,
		Details:   map[string]interface{}{"process_id": params.ProcessID},
	}, err)
	if err != nil {
		return nil, nil, err
	}
	return NewTextResult(fmt.Sprintf("Registered process %s for minion %s", params.ProcessID, minionID)), nil, nil
}

type ProcessStatusParams struct {
	ProcessID string `json:"process_id"`
	Status    string `json:"status,omitempty"`
	Remove    bool   `json:"remove,omitempty" jsonschema:"forget the process instead of updating it"`
}

func (s *Server) handleProcessStatus(ctx context.Context, request *mcp.CallToolRequest, params *ProcessStatusParams) (*mcp.CallToolResult, any, error) {
	if params.ProcessID == "" {
		return nil, nil, fmt.Errorf("process_id is required")
	}
	if !params.Remove && params.Status == "" {
		return nil, nil, fmt.Errorf("status is required unless remove is set")
	}
	rec, err := s.recorder()
	if err != nil {
		return nil, nil, err
	}

	details := map[string]interface{}{"process_id": params.ProcessID}
	if params.Remove {
		rec.Remove(params.ProcessID)
		details["removed"] = true
		s.recordAudit(ctx, &audit.Event{Operation: audit.OpProcessStatus, Details: details}, nil)
		return NewTextResult(fmt.Sprintf("Removed process %s", params.ProcessID)), nil, nil
	}

	err = rec.SetStatus(params.ProcessID, params.Status)
	details["status"] = params.Status
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpProcessStatus, Details: details}, err)
	if err != nil {
		return nil, nil, err
	}
	return NewTextResult(fmt.Sprintf("Process %s is now %s", params.ProcessID, params.Status)), nil, nil
}

type ProcessOutputParams struct {
	ProcessID string   `json:"process_id"`
	MinionID  string   `json:"minion_id,omitempty"`
	Lines     []string `json:"lines,omitempty" jsonschema:"output lines without trailing newlines"`
	Close     bool     `json:"close,omitempty" jsonschema:"the process exited; flush and detach"`
}

func (s *Server) handleProcessOutput(ctx context.Context, request *mcp.CallToolRequest, params *ProcessOutputParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateProcessID(params.ProcessID); err != nil {
		return nil, nil, err
	}
	minionID, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}

	if len(params.Lines) > 0 {
		sb, err := s.minions.AttachScrollback(ctx, minionID, params.ProcessID)
		if err != nil {
			return nil, nil, err
		}
		for _, line := range params.Lines {
			sb.WriteLine(line)
		}
	}
	closed := false
	if params.Close {
		closed = s.minions.DetachScrollback(minionID, params.ProcessID)
	}
	return nil, map[string]any{
		"process_id": params.ProcessID,
		"written":    len(params.Lines),
		"closed":     closed,
	}, nil
}

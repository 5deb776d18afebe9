package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/audit"
)

func (s *Server) registerInterruptTools(r *Registry) {
	Register(r, ToolDef{
		Name: "minion_attach",
		Description: `Attach this session as the execution layer of a minion.

Interrupts for the minion (e.g. from compaction_cancel) are pushed to this
session as log messages (logger "lattice.interrupt") carrying interrupt_id,
minion_id and abandon_partial. Answer each with interrupt_ack. Set detach to
stop receiving them.`,
		Access: AccessWrite,
	}, s.handleMinionAttach)

	Register(r, ToolDef{
		Name: "interrupt_ack",
		Description: `Acknowledge an interrupt pushed by minion_attach. A non-empty error
fails the operation that sent the interrupt.`,
		Access: AccessWrite,
	}, s.handleInterruptAck)

	Register(r, ToolDef{
		Name: "minion_edit",
		Description: `Return the minion's pending input edit (restored by compaction_cancel or
restore-to-input). Set clear once the edited input has been resent; until
then later restore-to-input events are ignored.`,
		Access: AccessWrite,
	}, s.handleMinionEdit)
}

type MinionAttachParams struct {
	MinionID string `json:"minion_id,omitempty"`
	Detach   bool   `json:"detach,omitempty"`
}

func (s *Server) handleMinionAttach(ctx context.Context, request *mcp.CallToolRequest, params *MinionAttachParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}

	if params.Detach {
		s.minions.SetInterruptHandler(id, nil)
		s.recordAudit(ctx, &audit.Event{Operation: audit.OpMinionAttach, MinionID: id, Details: map[string]interface{}{"detach": true}}, nil)
		return NewTextResult(fmt.Sprintf("Detached from minion %s", id)), nil, nil
	}

	if request == nil || request.Session == nil {
		return nil, nil, fmt.Errorf("attaching requires an MCP session")
	}
	s.minions.SetInterruptHandler(id, s.interrupts.handler(request.Session, id))
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpMinionAttach, MinionID: id}, nil)
	return NewTextResult(fmt.Sprintf("Attached to minion %s", id)), nil, nil
}

type InterruptAckParams struct {
	InterruptID string `json:"interrupt_id"`
	Error       string `json:"error,omitempty" jsonschema:"why the interrupt could not be honored"`
}

func (s *Server) handleInterruptAck(ctx context.Context, request *mcp.CallToolRequest, params *InterruptAckParams) (*mcp.CallToolResult, any, error) {
	if params.InterruptID == "" {
		return nil, nil, fmt.Errorf("interrupt_id is required")
	}
	if err := s.interrupts.ack(params.InterruptID, params.Error); err != nil {
		return nil, nil, err
	}
	return NewTextResult("Interrupt acknowledged"), nil, nil
}

type MinionEditParams struct {
	MinionID string `json:"minion_id,omitempty"`
	Clear    bool   `json:"clear,omitempty"`
}

func (s *Server) handleMinionEdit(ctx context.Context, request *mcp.CallToolRequest, params *MinionEditParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}

	state, editing := s.minions.EditState(id)
	if params.Clear && editing {
		s.minions.ClearEdit(id)
		s.recordAudit(ctx, &audit.Event{Operation: audit.OpEditClear, MinionID: id}, nil)
	}
	result := map[string]any{"minion_id": id, "editing": editing}
	if editing {
		result["edit"] = state
	}
	return nil, result, nil
}

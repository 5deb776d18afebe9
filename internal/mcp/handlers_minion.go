package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/minion"
	"github.com/HyphaGroup/lattice/internal/task"
	"github.com/HyphaGroup/lattice/internal/validation"
)

func (s *Server) registerMinionTools(r *Registry) {
	Register(r, ToolDef{
		Name: "minion_event",
		Description: `Apply one protocol event to a minion's conversation.

The event is the raw JSON object sent by the execution layer (stream-start,
stream-delta, tool-call-end, ...). Returns the event kind, its update hint
(immediate, throttled or ignored) and its buffer index.

A report rejected because descendant tasks are unresolved is returned in
report_error; the event itself was still applied.`,
		Access: AccessWrite,
	}, s.handleMinionEvent)

	Register(r, ToolDef{
		Name:        "minion_messages",
		Description: `List a minion's messages. Set provider_slice to cut the history at the most recent compaction boundary.`,
		Access:      AccessRead,
	}, s.handleMinionMessages)

	Register(r, ToolDef{
		Name:        "minion_snapshot",
		Description: `Deep copy of a minion's conversation: messages, usage, runtime status, init state and active streams.`,
		Access:      AccessRead,
	}, s.handleMinionSnapshot)

	Register(r, ToolDef{
		Name: "minion_events_since",
		Description: `Return buffered events after index (omit index for everything still buffered).

Fails when events after index have already been dropped from the buffer;
fall back to minion_snapshot in that case.`,
		Access: AccessRead,
	}, s.handleMinionEventsSince)

	Register(r, ToolDef{
		Name: "compaction_cancel",
		Description: `Cancel an in-flight compaction request.

Restores the request's follow-up text into the minion's input, then interrupts
the stream abandoning partial output. Returns the restored edit state.`,
		Access: AccessWrite,
	}, s.handleCompactionCancel)

	Register(r, ToolDef{
		Name: "minion_subscribe",
		Description: `Route a minion's change notifications to this session as log messages
(logger "lattice.minion"). Set unsubscribe to stop. The client must set a
logging level to receive them.`,
		Access: AccessRead,
	}, s.handleMinionSubscribe)

	Register(r, ToolDef{
		Name:        "minion_list",
		Description: `List minions currently held in memory.`,
		Access:      AccessRead,
	}, s.handleMinionList)

	Register(r, ToolDef{
		Name:        "minion_dispose",
		Description: `Drop a minion's in-memory state. Persisted history is kept and replayed on next use.`,
		Access:      AccessWrite,
	}, s.handleMinionDispose)
}

// resolveMinionID falls back to the minion named by the request headers
func resolveMinionID(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = ExtractMCPContext(ctx).MinionID
	}
	if id == "" {
		return "", fmt.Errorf("minion_id is required")
	}
	if err := validation.ValidateMinionID(id); err != nil {
		return "", err
	}
	return id, nil
}

type MinionEventParams struct {
	MinionID string         `json:"minion_id,omitempty"`
	Event    map[string]any `json:"event"`
}

type MinionEventResult struct {
	Kind        event.Kind        `json:"kind"`
	Hint        conversation.Hint `json:"hint"`
	Index       int               `json:"index"`
	ReportError string            `json:"report_error,omitempty"`
}

func (s *Server) handleMinionEvent(ctx context.Context, request *mcp.CallToolRequest, params *MinionEventParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	if len(params.Event) == 0 {
		return nil, nil, fmt.Errorf("event is required")
	}

	res, err := s.minions.Apply(ctx, id, event.Raw(params.Event))
	out := MinionEventResult{Kind: res.Kind, Hint: res.Hint, Index: res.Index}
	if err != nil {
		if res.Index < 0 || !errors.Is(err, task.ErrUnresolvedDescendants) {
			return nil, nil, err
		}
		out.ReportError = err.Error()
	}
	return nil, out, nil
}

type MinionMessagesParams struct {
	MinionID      string `json:"minion_id,omitempty"`
	ProviderSlice bool   `json:"provider_slice,omitempty"`
}

func (s *Server) handleMinionMessages(ctx context.Context, request *mcp.CallToolRequest, params *MinionMessagesParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.minions.Messages(ctx, id, params.ProviderSlice)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"minion_id": id, "messages": msgs}, nil
}

type MinionSnapshotParams struct {
	MinionID string `json:"minion_id,omitempty"`
}

func (s *Server) handleMinionSnapshot(ctx context.Context, request *mcp.CallToolRequest, params *MinionSnapshotParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.minions.Snapshot(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return nil, snap, nil
}

type MinionEventsSinceParams struct {
	MinionID string `json:"minion_id,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

func (s *Server) handleMinionEventsSince(ctx context.Context, request *mcp.CallToolRequest, params *MinionEventsSinceParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	index := -1
	if params.Index != nil {
		index = *params.Index
	}
	events, err := s.minions.EventsSince(id, index)
	if err != nil {
		return nil, nil, err
	}
	last := index
	if n := len(events); n > 0 {
		last = events[n-1].Index
	}
	return nil, map[string]any{"minion_id": id, "events": events, "last_index": last}, nil
}

type CompactionCancelParams struct {
	MinionID string `json:"minion_id,omitempty"`
}

func (s *Server) handleCompactionCancel(ctx context.Context, request *mcp.CallToolRequest, params *CompactionCancelParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}
	state, err := s.minions.CancelCompaction(ctx, id)
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpCompactionCancel, MinionID: id}, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, state, nil
}

type MinionSubscribeParams struct {
	MinionID    string `json:"minion_id,omitempty"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

func (s *Server) handleMinionSubscribe(ctx context.Context, request *mcp.CallToolRequest, params *MinionSubscribeParams) (*mcp.CallToolResult, any, error) {
	id, err := resolveMinionID(ctx, params.MinionID)
	if err != nil {
		return nil, nil, err
	}

	if params.Unsubscribe {
		s.unsubscribe(id)
		return NewTextResult(fmt.Sprintf("Unsubscribed from minion %s", id)), nil, nil
	}

	if request == nil || request.Session == nil {
		return nil, nil, fmt.Errorf("subscriptions require an MCP session")
	}
	unsub, err := s.minions.Subscribe(ctx, id, &sessionNotifier{session: request.Session})
	if err != nil {
		return nil, nil, err
	}
	s.setSubscription(id, unsub)
	return NewTextResult(fmt.Sprintf("Subscribed to minion %s", id)), nil, nil
}

func (s *Server) setSubscription(minionID string, unsub func()) {
	// Subscribe already replaced any previous notifier, so the old
	// unsubscribe func is dropped without calling it.
	s.subMu.Lock()
	s.subs[minionID] = unsub
	s.subMu.Unlock()
}

func (s *Server) unsubscribe(minionID string) {
	s.subMu.Lock()
	unsub, ok := s.subs[minionID]
	delete(s.subs, minionID)
	s.subMu.Unlock()
	if ok {
		unsub()
	}
}

func (s *Server) handleMinionList(ctx context.Context, request *mcp.CallToolRequest, params *struct{}) (*mcp.CallToolResult, any, error) {
	ids := s.minions.IDs()
	return nil, map[string]any{"minions": ids, "count": len(ids)}, nil
}

type MinionDisposeParams struct {
	MinionID string `json:"minion_id"`
}

func (s *Server) handleMinionDispose(ctx context.Context, request *mcp.CallToolRequest, params *MinionDisposeParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateMinionID(params.MinionID); err != nil {
		return nil, nil, err
	}
	if _, ok := s.minions.Lookup(params.MinionID); !ok {
		return nil, nil, fmt.Errorf("%w: %s", minion.ErrMinionNotFound, params.MinionID)
	}
	s.unsubscribe(params.MinionID)
	s.minions.Dispose(params.MinionID)
	s.recordAudit(ctx, &audit.Event{Operation: audit.OpMinionDispose, MinionID: params.MinionID}, nil)
	return NewTextResult(fmt.Sprintf("Disposed minion %s", params.MinionID)), nil, nil
}

// sessionNotifier forwards minion notifications as MCP log messages
type sessionNotifier struct {
	session *mcp.ServerSession
}

func (n *sessionNotifier) Notify(ctx context.Context, note minion.Notification) error {
	return n.session.Log(ctx, &mcp.LoggingMessageParams{
		Logger: "lattice.minion",
		Level:  "info",
		Data:   note,
	})
}

package mcp

import (
	"context"
	"net/http"
	"strconv"
)

// Headers an execution layer sets so tools default to the calling minion
const (
	HeaderMinionID = "X-Lattice-Minion-ID"
	HeaderTaskID   = "X-Lattice-Task-ID"
	HeaderDepth    = "X-Lattice-Depth"
)

type contextKey string

const (
	contextKeyMinionID   contextKey = "lattice-minion-id"
	contextKeyTaskID     contextKey = "lattice-task-id"
	contextKeyDepth      contextKey = "lattice-depth"
	contextKeyRemoteAddr contextKey = "lattice-remote-addr"
)

// MCPContext holds lattice-specific context from MCP headers
type MCPContext struct {
	MinionID   string
	TaskID     string
	Depth      int
	RemoteAddr string
}

// ExtractMCPContext extracts lattice headers stored by WithMCPHeaders
func ExtractMCPContext(ctx context.Context) MCPContext {
	return MCPContext{
		MinionID:   getStringFromContext(ctx, contextKeyMinionID),
		TaskID:     getStringFromContext(ctx, contextKeyTaskID),
		Depth:      getIntFromContext(ctx, contextKeyDepth),
		RemoteAddr: getStringFromContext(ctx, contextKeyRemoteAddr),
	}
}

// WithRemoteAddr adds the remote address to context
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// WithMCPHeaders copies lattice headers from an HTTP request into ctx
func WithMCPHeaders(ctx context.Context, h http.Header) context.Context {
	if v := h.Get(HeaderMinionID); v != "" {
		ctx = context.WithValue(ctx, contextKeyMinionID, v)
	}
	if v := h.Get(HeaderTaskID); v != "" {
		ctx = context.WithValue(ctx, contextKeyTaskID, v)
	}
	if v := h.Get(HeaderDepth); v != "" {
		ctx = context.WithValue(ctx, contextKeyDepth, v)
	}
	return ctx
}

// GenerateMCPHeaders creates the header map an execution layer passes to a
// child minion's MCP client
func GenerateMCPHeaders(minionID, taskID string, depth int) map[string]string {
	return map[string]string{
		HeaderMinionID: minionID,
		HeaderTaskID:   taskID,
		HeaderDepth:    strconv.Itoa(depth),
	}
}

func getStringFromContext(ctx context.Context, key contextKey) string {
	if val := ctx.Value(key); val != nil {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getIntFromContext(ctx context.Context, key contextKey) int {
	if val := ctx.Value(key); val != nil {
		if str, ok := val.(string); ok {
			if i, err := strconv.Atoi(str); err == nil {
				return i
			}
		}
		if i, ok := val.(int); ok {
			return i
		}
	}
	return 0
}

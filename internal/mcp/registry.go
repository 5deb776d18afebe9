package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/metrics"
)

// ToolHandler runs a tool against its raw JSON arguments
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

// TypedHandler is the form tools are written in. The structured value, when
// non-nil, takes precedence over the result.
type TypedHandler[P any] func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)

// ToolDef describes a registered tool. A nil InputSchema is derived from the
// handler's params type.
type ToolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Access      ToolAccess         `json:"access,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

type registeredTool struct {
	def *ToolDef
	run ToolHandler
}

// Registry holds tools in registration order. Registering a name twice
// replaces the earlier tool in place.
type Registry struct {
	mu    sync.RWMutex
	tools []registeredTool
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds a typed tool. It panics when the params type has no JSON
// Schema, which is a programming error caught at startup.
func Register[P any](r *Registry, def ToolDef, handler TypedHandler[P]) {
	if def.InputSchema == nil {
		schema, err := inputSchema[P]()
		if err != nil {
			panic(fmt.Sprintf("tool %s: %v", def.Name, err))
		}
		def.InputSchema = schema
	}
	r.add(&def, decodeArgs(handler))
}

func (r *Registry) add(def *ToolDef, run ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[def.Name]; ok {
		r.tools[i] = registeredTool{def: def, run: run}
		return
	}
	r.index[def.Name] = len(r.tools)
	r.tools = append(r.tools, registeredTool{def: def, run: run})
}

// inputSchema describes the object a tool accepts. Pointer params share the
// schema of their element; absent arguments decode to its zero value.
func inputSchema[P any]() (*jsonschema.Schema, error) {
	t := reflect.TypeFor[P]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("params must be a struct, got %s", t)
	}
	return jsonschema.ForType(t, &jsonschema.ForOptions{})
}

func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.tools[i].def, true
}

// GetAllTools returns every tool in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*ToolDef, len(r.tools))
	for i, t := range r.tools {
		defs[i] = t.def
	}
	return defs
}

// ReadOnlyTools names the tools that do not modify state
func (r *Registry) ReadOnlyTools() []string {
	var names []string
	for _, def := range r.GetAllTools() {
		if def.Access == AccessRead {
			names = append(names, def.Name)
		}
	}
	return names
}

// CallTool runs a tool without going through an MCP session
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	i, ok := r.index[name]
	var run ToolHandler
	if ok {
		run = r.tools[i].run
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return run(ctx, args)
}

// RegisterWithMCPServer exposes every tool on server. Failures reach the
// client as error results after SanitizeError.
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tools {
		server.AddTool(&mcp_sdk.Tool{
			Name:        t.def.Name,
			Description: t.def.Description,
			InputSchema: t.def.InputSchema,
			Annotations: &mcp_sdk.ToolAnnotations{ReadOnlyHint: t.def.Access == AccessRead},
		}, sessionHandler(t.def.Name, t.run))
	}
}

func sessionHandler(name string, run ToolHandler) mcp_sdk.ToolHandler {
	return func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
		ctx = WithCallToolRequest(ctx, req)
		if req.Extra != nil && req.Extra.Header != nil {
			ctx = WithMCPHeaders(ctx, req.Extra.Header)
		}
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		out, err := run(ctx, args)
		if err != nil {
			metrics.RecordToolCall(name, "error")
			logger.WithContext(ctx).Info("tool call failed", "tool", name, "error", err)
			return NewErrorResult(SanitizeError(err, name).Error()), nil
		}
		metrics.RecordToolCall(name, "ok")
		return toCallResult(out), nil
	}
}

// toCallResult passes results through and renders structured values as JSON text
func toCallResult(out any) *mcp_sdk.CallToolResult {
	if res, ok := out.(*mcp_sdk.CallToolResult); ok {
		return res
	}
	data, err := json.Marshal(out)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return NewTextResult(string(data))
}

// decodeArgs adapts a typed handler to raw arguments. Missing or null
// arguments decode as an empty object.
func decodeArgs[P any](handler TypedHandler[P]) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		body := args
		if len(body) == 0 || string(body) == "null" {
			body = json.RawMessage("{}")
		}
		var params P
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}

		req := CallToolRequestFromContext(ctx)
		if req == nil {
			req = &mcp_sdk.CallToolRequest{Params: &mcp_sdk.CallToolParamsRaw{Arguments: args}}
		}

		res, structured, err := handler(ctx, req, params)
		switch {
		case err != nil:
			return nil, err
		case res != nil && res.IsError:
			return nil, errorFromResult(res)
		case structured != nil:
			return structured, nil
		}
		return res, nil
	}
}

func errorFromResult(res *mcp_sdk.CallToolResult) error {
	for _, c := range res.Content {
		if text, ok := c.(*mcp_sdk.TextContent); ok && text.Text != "" {
			return errors.New(text.Text)
		}
	}
	return errors.New("tool execution failed")
}

type callToolRequestKey struct{}

// WithCallToolRequest makes the MCP request, and with it the session,
// available to handlers reached through CallTool.
func WithCallToolRequest(ctx context.Context, req *mcp_sdk.CallToolRequest) context.Context {
	return context.WithValue(ctx, callToolRequestKey{}, req)
}

func CallToolRequestFromContext(ctx context.Context) *mcp_sdk.CallToolRequest {
	req, _ := ctx.Value(callToolRequestKey{}).(*mcp_sdk.CallToolRequest)
	return req
}

// NewTextResult wraps text in a successful tool result
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}}}
}

// NewErrorResult wraps msg in a failed tool result
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	res := NewTextResult(msg)
	res.IsError = true
	return res
}

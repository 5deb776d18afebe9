package event

import "encoding/json"

// Payload is a decoded event. The concrete type is one of the structs in
// this file; Kind() is the discriminant.
type Payload interface {
	Kind() Kind
}

// Usage carries token and cost counters
type Usage struct {
	InputTokens     int     `json:"inputTokens,omitempty"`
	OutputTokens    int     `json:"outputTokens,omitempty"`
	ReasoningTokens int     `json:"reasoningTokens,omitempty"`
	CachedTokens    int     `json:"cachedTokens,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
}

// Add returns the field-wise sum of u and o
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens + o.InputTokens,
		OutputTokens:    u.OutputTokens + o.OutputTokens,
		ReasoningTokens: u.ReasoningTokens + o.ReasoningTokens,
		CachedTokens:    u.CachedTokens + o.CachedTokens,
		CostUSD:         u.CostUSD + o.CostUSD,
	}
}

// Sub returns the field-wise difference u - o
func (u Usage) Sub(o Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens - o.InputTokens,
		OutputTokens:    u.OutputTokens - o.OutputTokens,
		ReasoningTokens: u.ReasoningTokens - o.ReasoningTokens,
		CachedTokens:    u.CachedTokens - o.CachedTokens,
		CostUSD:         u.CostUSD - o.CostUSD,
	}
}

// Max returns the field-wise maximum of u and o
func (u Usage) Max(o Usage) Usage {
	return Usage{
		InputTokens:     max(u.InputTokens, o.InputTokens),
		OutputTokens:    max(u.OutputTokens, o.OutputTokens),
		ReasoningTokens: max(u.ReasoningTokens, o.ReasoningTokens),
		CachedTokens:    max(u.CachedTokens, o.CachedTokens),
		CostUSD:         max(u.CostUSD, o.CostUSD),
	}
}

// Total is input + output + reasoning tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

type StreamStart struct {
	MessageID       string `json:"messageId"`
	Model           string `json:"model,omitempty"`
	HistorySequence int    `json:"historySequence,omitempty"`
	StartTime       int64  `json:"startTime,omitempty"`
}

type StreamDelta struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	Tokens    int    `json:"tokens,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EndMetadata is the trailer sent with stream-end and stream-abort
type EndMetadata struct {
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	DurationMs int64  `json:"duration,omitempty"`
}

type StreamEnd struct {
	MessageID string      `json:"messageId"`
	Metadata  EndMetadata `json:"metadata"`
}

type StreamAbort struct {
	MessageID      string      `json:"messageId"`
	AbandonPartial bool        `json:"abandonPartial,omitempty"`
	Metadata       EndMetadata `json:"metadata"`
}

type StreamError struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
}

type ToolCallStart struct {
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Args       any    `json:"args,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

type ToolCallDelta struct {
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

type ToolCallEnd struct {
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName,omitempty"`
	Result     any    `json:"result,omitempty"`
}

type ReasoningDelta struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	Tokens    int    `json:"tokens,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type ReasoningEnd struct {
	MessageID string `json:"messageId"`
}

type UsageDelta struct {
	MessageID string `json:"messageId"`
	Usage     Usage  `json:"usage"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId"`
}

// RuntimeStatus reports agent startup progress ("starting", "ready", "error", ...)
type RuntimeStatus struct {
	Phase  string `json:"phase"`
	Detail string `json:"detail,omitempty"`
}

// GenericMessage is a fully formed unit: either a complete conversation
// message (Type "message" or a bare message object) or one step of the
// workspace init sequence (init-start, init-output, init-end).
type GenericMessage struct {
	Type     string          `json:"type"`
	Message  json.RawMessage `json:"message,omitempty"`
	HookPath string          `json:"hookPath,omitempty"`
	Line     string          `json:"line,omitempty"`
	IsError  bool            `json:"isError,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
}

// IsInit reports whether the message is part of the init sequence
func (g *GenericMessage) IsInit() bool {
	return g.Type == TypeInitStart || g.Type == TypeInitOutput || g.Type == TypeInitEnd
}

// Passthrough is a known event that is surfaced to callers but never
// applied to conversation state.
type Passthrough struct {
	EventKind Kind
	Type      string
	Raw       Raw
}

// Unrecognized is an event type this build does not know
type Unrecognized struct {
	Type string
	Raw  Raw
}

func (*StreamStart) Kind() Kind    { return KindStreamStart }
func (*StreamDelta) Kind() Kind    { return KindStreamDelta }
func (*StreamEnd) Kind() Kind      { return KindStreamEnd }
func (*StreamAbort) Kind() Kind    { return KindStreamAbort }
func (*StreamError) Kind() Kind    { return KindStreamError }
func (*ToolCallStart) Kind() Kind  { return KindToolCallStart }
func (*ToolCallDelta) Kind() Kind  { return KindToolCallDelta }
func (*ToolCallEnd) Kind() Kind    { return KindToolCallEnd }
func (*ReasoningDelta) Kind() Kind { return KindReasoningDelta }
func (*ReasoningEnd) Kind() Kind   { return KindReasoningEnd }
func (*UsageDelta) Kind() Kind     { return KindUsageDelta }
func (*DeleteMessage) Kind() Kind  { return KindDeleteMessage }
func (*RuntimeStatus) Kind() Kind  { return KindRuntimeStatus }
func (*GenericMessage) Kind() Kind { return KindGenericMessage }
func (p *Passthrough) Kind() Kind  { return p.EventKind }
func (*Unrecognized) Kind() Kind   { return KindUnrecognized }

// Package conversation holds the authoritative in-memory state of one
// minion's conversation and folds classified events into it.
//
// The Aggregator is single-writer: callers serialize access per minion.
// The TokenStore it writes to is safe for concurrent readers.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HyphaGroup/lattice/internal/event"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType identifies a message part
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartToolCall  PartType = "tool-call"
)

// ToolCallState tracks a tool call within its owning message
type ToolCallState string

const (
	ToolCallStarted     ToolCallState = "started"
	ToolCallEnded       ToolCallState = "ended"
	ToolCallInterrupted ToolCallState = "interrupted"
)

// StreamState is the lifecycle of the write into an assistant message
type StreamState string

const (
	StreamNone      StreamState = ""
	StreamStreaming StreamState = "streaming"
	StreamEnded     StreamState = "ended"
	StreamAborted   StreamState = "aborted"
	StreamErrored   StreamState = "errored"
)

// Part is one typed unit of message content
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	// Reasoning parts are closed by reasoning-end
	Done bool `json:"done,omitempty"`

	ToolCallID string        `json:"toolCallId,omitempty"`
	ToolName   string        `json:"toolName,omitempty"`
	Args       any           `json:"args,omitempty"`
	ArgsText   string        `json:"argsText,omitempty"`
	Result     any           `json:"result,omitempty"`
	State      ToolCallState `json:"state,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Attachment is a file sent alongside a user message
type Attachment struct {
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// FollowUp is the message queued to run after a compaction finishes
type FollowUp struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// CompactionRequest marks a user message that asked for compaction
type CompactionRequest struct {
	RawCommand string    `json:"rawCommand"`
	FollowUp   *FollowUp `json:"followUp,omitempty"`
}

type Metadata struct {
	HistorySequence int         `json:"historySequence,omitempty"`
	Model           string      `json:"model,omitempty"`
	Usage           event.Usage `json:"usage,omitempty"`
	DurationMs      int64       `json:"duration,omitempty"`
	Timestamp       int64       `json:"timestamp,omitempty"`

	StreamState      StreamState `json:"streamState,omitempty"`
	PartialAbandoned bool        `json:"partialAbandoned,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorType        string      `json:"errorType,omitempty"`

	CompactionBoundary bool               `json:"compactionBoundary,omitempty"`
	CompactionRequest  *CompactionRequest `json:"compactionRequest,omitempty"`

	TaskID string `json:"taskId,omitempty"`
}

// Message is one entry of the conversation
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// Content returns the concatenated text parts
func (m *Message) Content() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ReasoningText returns the concatenated reasoning parts
func (m *Message) ReasoningText() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCall returns the part for callID
func (m *Message) ToolCall(callID string) (Part, bool) {
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCallID == callID {
			return p, true
		}
	}
	return Part{}, false
}

// Clone returns a copy that shares no slices with m
func (m *Message) Clone() Message {
	c := *m
	if m.Parts != nil {
		c.Parts = make([]Part, len(m.Parts))
		copy(c.Parts, m.Parts)
	}
	if req := m.Metadata.CompactionRequest; req != nil {
		r := *req
		if req.FollowUp != nil {
			f := *req.FollowUp
			f.Attachments = append([]Attachment(nil), req.FollowUp.Attachments...)
			r.FollowUp = &f
		}
		c.Metadata.CompactionRequest = &r
	}
	return c
}

// IsCompactionBoundary reports whether history before m has been summarized
func (m *Message) IsCompactionBoundary() bool {
	return m.Metadata.CompactionBoundary
}

// DecodeMessage parses a complete message as carried by a generic-message event
func DecodeMessage(data json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("decode message: missing id")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Message{}, fmt.Errorf("decode message %s: invalid role %q", m.ID, m.Role)
	}
	return m, nil
}

// TextMessage builds a message holding a single text part
func TextMessage(id string, role Role, text string) Message {
	return Message{ID: id, Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

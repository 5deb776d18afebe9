// Package compaction sequences user-initiated compaction flows: cancelling
// an in-progress compaction and slicing history at the latest boundary.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/logger"
)

var (
	ErrNoCompactionRequest = errors.New("no compaction request in history")
	ErrInterruptFailed     = errors.New("interrupt failed")
)

// InterruptOptions travel with an interrupt to the execution layer
type InterruptOptions struct {
	// AbandonPartial tells the execution layer to skip the compaction
	// instead of producing a truncated summary.
	AbandonPartial bool
}

// InterruptChannel delivers an interrupt and returns once it is
// acknowledged or fails.
type InterruptChannel interface {
	Interrupt(ctx context.Context, minionID string, opts InterruptOptions) error
}

// EditState is what the user's input is restored to
type EditState struct {
	MessageID   string                    `json:"messageId"`
	Text        string                    `json:"text"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

// Editor receives the edit state for a minion's input. BeginEdit returns a
// function that puts back whatever the input held before.
type Editor interface {
	BeginEdit(minionID string, state EditState) (undo func())
}

type Coordinator struct {
	interrupts InterruptChannel
	editor     Editor
}

func NewCoordinator(interrupts InterruptChannel, editor Editor) *Coordinator {
	return &Coordinator{interrupts: interrupts, editor: editor}
}

// CancelCompaction restores the compaction request into the editor and then
// interrupts the stream with AbandonPartial set. The edit is entered first
// so a late restore-to-input cannot clobber it. When the interrupt fails the
// edit is rolled back and the failure is returned wrapped in
// ErrInterruptFailed; there is no retry.
func (c *Coordinator) CancelCompaction(ctx context.Context, minionID string, history []conversation.Message) (EditState, error) {
	msg, ok := FindCompactionRequest(history)
	if !ok {
		return EditState{}, ErrNoCompactionRequest
	}

	state := EditStateFor(msg)
	undo := c.editor.BeginEdit(minionID, state)

	if err := c.interrupts.Interrupt(ctx, minionID, InterruptOptions{AbandonPartial: true}); err != nil {
		undo()
		logger.WithContext(ctx).Warn("compaction cancel interrupt failed",
			"minion_id", minionID,
			"message_id", msg.ID,
			"error", err)
		return state, fmt.Errorf("%w: %w", ErrInterruptFailed, err)
	}
	return state, nil
}

// FindCompactionRequest returns the most recent user message flagged as a
// compaction request.
func FindCompactionRequest(history []conversation.Message) (conversation.Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == conversation.RoleUser && m.Metadata.CompactionRequest != nil {
			return m, true
		}
	}
	return conversation.Message{}, false
}

// EditStateFor rebuilds the input for a compaction request: the raw command,
// then the follow-up text on the next line when there is one.
func EditStateFor(msg conversation.Message) EditState {
	req := msg.Metadata.CompactionRequest
	state := EditState{MessageID: msg.ID}
	if req == nil {
		state.Text = msg.Content()
		return state
	}

	text := req.RawCommand
	if req.FollowUp != nil {
		if follow := strings.TrimRight(req.FollowUp.Text, "\n"); follow != "" {
			text += "\n" + follow
		}
		state.Attachments = append([]conversation.Attachment(nil), req.FollowUp.Attachments...)
	}
	state.Text = text
	return state
}

// ContextSlice returns history from the most recent compaction boundary
// onward, boundary included, or the full history when there is none. It
// does not modify history.
func ContextSlice(history []conversation.Message) []conversation.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsCompactionBoundary() {
			return history[i:]
		}
	}
	return history
}

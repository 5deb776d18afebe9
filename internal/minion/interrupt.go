package minion

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/lattice/internal/compaction"
)

// SetInterruptHandler attaches the execution layer's interrupt entry point.
// A nil handler detaches it.
func (m *Manager) SetInterruptHandler(minionID string, h InterruptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.interrupts, minionID)
		return
	}
	m.interrupts[minionID] = h
}

// Interrupt forwards to the minion's interrupt handler and waits for it to
// acknowledge or for ctx to end.
func (m *Manager) Interrupt(ctx context.Context, minionID string, opts compaction.InterruptOptions) error {
	m.mu.RLock()
	h, ok := m.interrupts[minionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInterruptUnavailable, minionID)
	}

	done := make(chan error, 1)
	go func() { done <- h(ctx, opts) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginEdit puts the minion's input into edit mode with state. The returned
// function restores the edit that was pending before, or leaves edit mode.
func (m *Manager) BeginEdit(minionID string, state compaction.EditState) func() {
	mn, err := m.Get(m.ctx, minionID)
	if err != nil {
		return func() {}
	}
	prev := mn.swapEdit(&state)
	return func() { mn.swapEdit(prev) }
}

// EditState returns the minion's pending edit, if any
func (m *Manager) EditState(minionID string) (compaction.EditState, bool) {
	mn, ok := m.Lookup(minionID)
	if !ok {
		return compaction.EditState{}, false
	}
	return mn.getEdit()
}

// ClearEdit leaves edit mode, typically once the edited input is resent
func (m *Manager) ClearEdit(minionID string) {
	if mn, ok := m.Lookup(minionID); ok {
		mn.clearEdit()
	}
}

// CancelCompaction restores the most recent compaction request into the
// minion's input and interrupts the running compaction. The history is
// read under the minion lock, which is released before interrupting so the
// execution layer can deliver the resulting abort.
func (m *Manager) CancelCompaction(ctx context.Context, minionID string) (compaction.EditState, error) {
	msgs, err := m.Messages(ctx, minionID, false)
	if err != nil {
		return compaction.EditState{}, err
	}
	return m.coordinator.CancelCompaction(ctx, minionID, msgs)
}

package minion

import (
	"context"
	"time"

	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/logger"
)

// DefaultFrameInterval caps throttled notifications at one per frame
const DefaultFrameInterval = 16 * time.Millisecond

// Notification tells a subscriber that a minion changed
type Notification struct {
	MinionID  string            `json:"minion_id"`
	Hint      conversation.Hint `json:"hint"`
	Kind      event.Kind        `json:"kind"`
	MessageID string            `json:"message_id,omitempty"`
	Index     int               `json:"index"`
	Coalesced int               `json:"coalesced,omitempty"`
}

// Notifier receives minion change notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// notify delivers n according to its hint. Immediate notifications first
// flush any coalesced throttled one so subscribers see them in order.
// Throttled notifications beyond one per frame are merged into the pending
// one and delivered by the flush loop.
func (mgr *Manager) notify(ctx context.Context, m *Minion, n Notification) {
	switch n.Hint {
	case conversation.HintIgnored:
		return
	case conversation.HintImmediate:
		if pending := m.takePending(); pending != nil {
			mgr.deliver(ctx, m, *pending)
		}
		mgr.deliver(ctx, m, n)
	case conversation.HintThrottled:
		if m.limiter.Allow() {
			if pending := m.takePending(); pending != nil {
				n.Coalesced += pending.Coalesced + 1
			}
			mgr.deliver(ctx, m, n)
			return
		}
		m.mu.Lock()
		if m.pending != nil {
			n.Coalesced += m.pending.Coalesced + 1
		}
		m.pending = &n
		m.mu.Unlock()
	}
}

func (m *Minion) takePending() *Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	m.pending = nil
	return p
}

func (mgr *Manager) deliver(ctx context.Context, m *Minion, n Notification) {
	notifier := m.getNotifier()
	if notifier == nil {
		notifier = mgr.notifier
	}
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil {
		logger.WithContext(ctx).Debug("notification failed",
			"minion_id", n.MinionID,
			"kind", string(n.Kind),
			"error", err)
	}
}

// flushLoop delivers coalesced throttled notifications once per frame
func (mgr *Manager) flushLoop() {
	defer mgr.wg.Done()
	ticker := time.NewTicker(mgr.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mgr.ctx.Done():
			return
		case <-ticker.C:
			mgr.flushPending()
		}
	}
}

func (mgr *Manager) flushPending() {
	for _, m := range mgr.list() {
		m.mu.Lock()
		has := m.pending != nil
		m.mu.Unlock()
		if !has || !m.limiter.Allow() {
			continue
		}
		if pending := m.takePending(); pending != nil {
			mgr.deliver(mgr.ctx, m, *pending)
		}
	}
}

// Package minion hosts one conversation per minion and serializes the
// events applied to it.
package minion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/lattice/internal/compaction"
	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/process"
)

// Minion is the live state of one conversation. Its aggregator is only
// touched under the manager's per-minion lock.
type Minion struct {
	ID         string
	CreatedAt  time.Time
	aggregator *conversation.Aggregator
	dispatcher *conversation.Dispatcher
	tokens     *conversation.MemoryTokenStore
	events     *EventBuffer
	limiter    *rate.Limiter

	mu           sync.Mutex
	lastActivity time.Time
	pending      *Notification
	notifier     Notifier
	edit         *compaction.EditState
	scrollbacks  map[string]*process.Scrollback
	disposed     bool
}

func newMinion(id string, cfg Config) *Minion {
	tokens := conversation.NewTokenStore()
	agg := conversation.NewAggregator(id, tokens)
	now := time.Now()
	return &Minion{
		ID:           id,
		CreatedAt:    now,
		aggregator:   agg,
		dispatcher:   conversation.NewDispatcher(agg),
		tokens:       tokens,
		events:       NewEventBuffer(id, cfg.EventBufferSize),
		limiter:      rate.NewLimiter(rate.Every(cfg.FrameInterval), 1),
		lastActivity: now,
		scrollbacks:  make(map[string]*process.Scrollback),
	}
}

// Tokens exposes the token store; it is safe to read without the minion lock
func (m *Minion) Tokens() conversation.TokenStore { return m.tokens }

// Events exposes the event buffer; it has its own lock
func (m *Minion) Events() *EventBuffer { return m.events }

func (m *Minion) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Minion) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Minion) setNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

func (m *Minion) getNotifier() Notifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifier
}

func (m *Minion) setEdit(state compaction.EditState) {
	m.mu.Lock()
	m.edit = &state
	m.mu.Unlock()
}

func (m *Minion) swapEdit(state *compaction.EditState) *compaction.EditState {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.edit
	m.edit = state
	return prev
}

func (m *Minion) getEdit() (compaction.EditState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edit == nil {
		return compaction.EditState{}, false
	}
	return *m.edit, true
}

func (m *Minion) clearEdit() {
	m.mu.Lock()
	m.edit = nil
	m.mu.Unlock()
}

func (m *Minion) markDisposed() {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()
}

func (m *Minion) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// closeScrollbacks schedules the final flush of every scrollback and
// returns without waiting.
func (m *Minion) closeScrollbacks() {
	m.mu.Lock()
	sbs := m.scrollbacks
	m.scrollbacks = make(map[string]*process.Scrollback)
	m.mu.Unlock()

	for _, sb := range sbs {
		sb.Close()
	}
}

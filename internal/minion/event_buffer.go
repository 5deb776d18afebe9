package minion

import (
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/metrics"
)

/*
EVENT BUFFER

Bounded storage for the events a minion has received, so a subscriber can
resume by index after a disconnect.

    ┌─────────────────────────────────────────────────────────┐
    │ ... [purged] ... │ startIndex │ ... │ lastIndex │
    └─────────────────────────────────────────────────────────┘

Logical indices increase monotonically. When the buffer is full the oldest
event is dropped and startIndex advances.

Resumption: poll with since=-1 for everything buffered, then with the last
index received. Asking for an index older than startIndex-1 is an error.

Ignored events (passthrough and unrecognized) are buffered too; they never
touch the aggregator but callers may still want them.
*/

const (
	DefaultEventBufferSize = 1000
)

// BufferedEvent is one received event with its classification
type BufferedEvent struct {
	Index     int               `json:"index"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      event.Kind        `json:"kind"`
	Hint      conversation.Hint `json:"hint"`
	Event     event.Raw         `json:"event"`
}

type EventBuffer struct {
	minionID      string
	events        []*BufferedEvent
	maxSize       int
	startIndex    int
	droppedEvents int64
	mu            sync.RWMutex
}

type BufferStats struct {
	MinionID      string `json:"minion_id"`
	CurrentSize   int    `json:"current_size"`
	MaxSize       int    `json:"max_size"`
	StartIndex    int    `json:"start_index"`
	LastIndex     int    `json:"last_index"`
	DroppedEvents int64  `json:"dropped_events"`
}

func NewEventBuffer(minionID string, maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufferSize
	}
	return &EventBuffer{
		minionID: minionID,
		events:   make([]*BufferedEvent, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Append adds an event and returns its index
func (b *EventBuffer) Append(raw event.Raw, kind event.Kind, hint conversation.Hint) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	be := &BufferedEvent{
		Index:     index,
		Timestamp: time.Now(),
		Kind:      kind,
		Hint:      hint,
		Event:     raw,
	}

	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.startIndex++
		b.droppedEvents++
		metrics.RecordEventDrop()
	}
	b.events = append(b.events, be)
	return index
}

// After returns events after index (exclusive); -1 returns everything
func (b *EventBuffer) After(index int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index == -1 {
		result := make([]*BufferedEvent, len(b.events))
		copy(result, b.events)
		return result, nil
	}

	if index < b.startIndex-1 {
		return nil, fmt.Errorf("events before index %d have been purged (oldest available: %d)", index, b.startIndex)
	}

	start := index - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		return []*BufferedEvent{}, nil
	}

	result := make([]*BufferedEvent, len(b.events)-start)
	copy(result, b.events[start:])
	return result, nil
}

// LastIndex returns the index of the most recent event, or -1 if empty
func (b *EventBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return -1
	}
	return b.startIndex + len(b.events) - 1
}

func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

func (b *EventBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lastIndex := -1
	if len(b.events) > 0 {
		lastIndex = b.startIndex + len(b.events) - 1
	}

	return BufferStats{
		MinionID:      b.minionID,
		CurrentSize:   len(b.events),
		MaxSize:       b.maxSize,
		StartIndex:    b.startIndex,
		LastIndex:     lastIndex,
		DroppedEvents: b.droppedEvents,
	}
}

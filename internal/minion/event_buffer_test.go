package minion

import (
	"sync"
	"testing"

	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
)

func delta(id, text string) event.Raw {
	return event.Raw{"type": event.TypeStreamDelta, "messageId": id, "delta": text}
}

func TestEventBuffer_Append(t *testing.T) {
	buf := NewEventBuffer("test-minion", 10)

	idx := buf.Append(delta("m1", "a"), event.KindStreamDelta, conversation.HintThrottled)
	if idx != 0 {
		t.Errorf("First event index = %v, want 0", idx)
	}

	idx = buf.Append(delta("m1", "b"), event.KindStreamDelta, conversation.HintThrottled)
	if idx != 1 {
		t.Errorf("Second event index = %v, want 1", idx)
	}

	if buf.Len() != 2 {
		t.Errorf("Len() = %v, want 2", buf.Len())
	}
}

func TestEventBuffer_After(t *testing.T) {
	buf := NewEventBuffer("test-minion", 10)
	for _, s := range []string{"a", "b", "c"} {
		buf.Append(delta("m1", s), event.KindStreamDelta, conversation.HintThrottled)
	}

	tests := []struct {
		name      string
		index     int
		wantCount int
	}{
		{"all events (since -1)", -1, 3},
		{"after first event", 0, 2},
		{"after second event", 1, 1},
		{"after last event", 2, 0},
		{"future index", 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := buf.After(tt.index)
			if err != nil {
				t.Fatalf("After() error = %v", err)
			}
			if len(events) != tt.wantCount {
				t.Errorf("After() count = %v, want %v", len(events), tt.wantCount)
			}
		})
	}
}

func TestEventBuffer_RingBufferBehavior(t *testing.T) {
	buf := NewEventBuffer("test-minion", 3)
	for _, s := range []string{"a", "b", "c", "d"} {
		buf.Append(delta("m1", s), event.KindStreamDelta, conversation.HintThrottled)
	}

	stats := buf.Stats()
	if stats.CurrentSize != 3 {
		t.Errorf("CurrentSize = %v, want 3", stats.CurrentSize)
	}
	if stats.StartIndex != 1 {
		t.Errorf("StartIndex = %v, want 1 (oldest dropped)", stats.StartIndex)
	}
	if stats.DroppedEvents != 1 {
		t.Errorf("DroppedEvents = %v, want 1", stats.DroppedEvents)
	}
	if buf.LastIndex() != 3 {
		t.Errorf("LastIndex() = %v, want 3", buf.LastIndex())
	}

	if _, err := buf.After(-1); err != nil {
		t.Errorf("After(-1) error = %v", err)
	}
	if _, err := buf.After(0); err != nil {
		t.Errorf("After(0) error = %v, index 0 is the boundary", err)
	}

	buf.Append(delta("m1", "e"), event.KindStreamDelta, conversation.HintThrottled)
	if _, err := buf.After(0); err == nil {
		t.Error("After(0) should fail once index 1 is purged")
	}
}

func TestEventBuffer_KeepsClassification(t *testing.T) {
	buf := NewEventBuffer("test-minion", 10)
	raw := event.Raw{"type": event.TypeCaughtUp}
	buf.Append(raw, event.KindCaughtUp, conversation.HintIgnored)

	events, _ := buf.After(-1)
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	if events[0].Kind != event.KindCaughtUp || events[0].Hint != conversation.HintIgnored {
		t.Errorf("got kind %q hint %q", events[0].Kind, events[0].Hint)
	}
	if events[0].Event.Type() != event.TypeCaughtUp {
		t.Errorf("raw type = %q", events[0].Event.Type())
	}
}

func TestEventBuffer_Empty(t *testing.T) {
	buf := NewEventBuffer("test-minion", 0)
	if buf.LastIndex() != -1 {
		t.Errorf("LastIndex() = %v, want -1", buf.LastIndex())
	}
	if buf.Stats().MaxSize != DefaultEventBufferSize {
		t.Errorf("MaxSize = %v, want default", buf.Stats().MaxSize)
	}
}

func TestEventBuffer_ConcurrentAccess(t *testing.T) {
	buf := NewEventBuffer("test-minion", 100)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				buf.Append(delta("m1", "x"), event.KindStreamDelta, conversation.HintThrottled)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = buf.After(-1)
				_ = buf.Stats()
			}
		}()
	}
	wg.Wait()

	if buf.LastIndex() != 499 {
		t.Errorf("LastIndex() = %v, want 499", buf.LastIndex())
	}
}

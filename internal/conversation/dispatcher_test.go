package conversation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/HyphaGroup/lattice/internal/event"
)

func TestHintFor(t *testing.T) {
	tests := []struct {
		kind event.Kind
		want Hint
	}{
		{event.KindStreamStart, HintImmediate},
		{event.KindStreamEnd, HintImmediate},
		{event.KindStreamAbort, HintImmediate},
		{event.KindStreamError, HintImmediate},
		{event.KindStreamDelta, HintThrottled},
		{event.KindToolCallDelta, HintThrottled},
		{event.KindReasoningDelta, HintThrottled},
		{event.KindUsageDelta, HintThrottled},
		{event.KindToolCallStart, HintImmediate},
		{event.KindToolCallEnd, HintImmediate},
		{event.KindReasoningEnd, HintImmediate},
		{event.KindDeleteMessage, HintImmediate},
		{event.KindRuntimeStatus, HintImmediate},
		{event.KindGenericMessage, HintImmediate},
		{event.KindCaughtUp, HintIgnored},
		{event.KindQueuedMessageChanged, HintIgnored},
		{event.KindRestoreToInput, HintIgnored},
		{event.KindSessionUsageDelta, HintIgnored},
		{event.KindAutoCompactionTriggered, HintIgnored},
		{event.KindAutoCompactionCompleted, HintIgnored},
		{event.KindUnrecognized, HintIgnored},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HintFor(tt.kind); got != tt.want {
				t.Errorf("HintFor(%q) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestDispatcherHelloScenario(t *testing.T) {
	a, tokens := newTestAggregator(t)
	d := NewDispatcher(a)

	events := []event.Raw{
		{"type": "stream-start", "messageId": "a1"},
		{"type": "stream-delta", "messageId": "a1", "delta": "Hel"},
		{"type": "stream-delta", "messageId": "a1", "delta": "lo"},
		{"type": "stream-end", "messageId": "a1"},
	}

	var hints []Hint
	for _, raw := range events {
		_, hint, err := d.ApplyRaw(raw)
		if err != nil {
			t.Fatalf("ApplyRaw(%v) failed: %v", raw, err)
		}
		hints = append(hints, hint)
	}

	want := []Hint{HintImmediate, HintThrottled, HintThrottled, HintImmediate}
	if diff := cmp.Diff(want, hints); diff != "" {
		t.Errorf("hints mismatch (-want +got):\n%s", diff)
	}
	m, _ := a.Message("a1")
	if m.Content() != "Hello" {
		t.Errorf("Content() = %q, want %q", m.Content(), "Hello")
	}
	if tokens.Len() != 0 {
		t.Error("token state should be cleared")
	}
}

// nilHandler panics if any handler method is reached
type nilHandler struct {
	Handler
}

func TestDispatcherIgnoredEventsDoNotTouchHandler(t *testing.T) {
	d := NewDispatcher(nilHandler{})

	for _, raw := range []event.Raw{
		{"type": "caught-up"},
		{"type": "restore-to-input", "text": "draft"},
		{"type": "some-future-event", "x": 1},
		{},
		nil,
	} {
		p, hint, err := d.ApplyRaw(raw)
		if err != nil {
			t.Fatalf("ApplyRaw(%v) failed: %v", raw, err)
		}
		if hint != HintIgnored {
			t.Errorf("ApplyRaw(%v) hint = %q, want ignored", raw, hint)
		}
		if p == nil {
			t.Errorf("ApplyRaw(%v) should still return the payload", raw)
		}
	}
}

func TestDispatcherMalformedEvent(t *testing.T) {
	a, _ := newTestAggregator(t)
	d := NewDispatcher(a)

	_, hint, err := d.ApplyRaw(event.Raw{"type": "stream-start"})
	if !errors.Is(err, event.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if hint != HintImmediate {
		t.Errorf("hint = %q, want immediate", hint)
	}
	if a.Len() != 0 {
		t.Error("malformed event must not be applied")
	}
}

func TestDispatcherReturnsHintWithProtocolError(t *testing.T) {
	a, _ := newTestAggregator(t)
	d := NewDispatcher(a)

	if _, err := d.Apply(&event.StreamStart{MessageID: "a1"}); err != nil {
		t.Fatal(err)
	}
	hint, err := d.Apply(&event.StreamStart{MessageID: "a1"})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if hint != HintImmediate {
		t.Errorf("hint = %q, want immediate", hint)
	}
}

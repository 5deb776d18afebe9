package event

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
		want Kind
	}{
		{"nil", nil, KindUnrecognized},
		{"empty", Raw{}, KindUnrecognized},
		{"non-string type", Raw{"type": 42}, KindUnrecognized},
		{"unknown type", Raw{"type": "hologram-delta"}, KindUnrecognized},
		{"stream start", Raw{"type": "stream-start"}, KindStreamStart},
		{"stream delta", Raw{"type": "stream-delta"}, KindStreamDelta},
		{"tool call end", Raw{"type": "tool-call-end"}, KindToolCallEnd},
		{"delete", Raw{"type": "delete"}, KindDeleteMessage},
		{"runtime status", Raw{"type": "runtime-status"}, KindRuntimeStatus},
		{"init output", Raw{"type": "init-output"}, KindGenericMessage},
		{"message envelope", Raw{"type": "message"}, KindGenericMessage},
		{"bare message", Raw{"id": "u1", "role": "user"}, KindGenericMessage},
		{"bare message missing role", Raw{"id": "u1"}, KindUnrecognized},
		{"caught up", Raw{"type": "caught-up"}, KindCaughtUp},
		{"auto compaction", Raw{"type": "auto-compaction-completed"}, KindAutoCompactionCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.raw); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindPassthrough(t *testing.T) {
	for _, typ := range []string{
		TypeCaughtUp, TypeQueuedMessageChanged, TypeRestoreToInput,
		TypeSessionUsageDelta, TypeAutoCompactionTriggered, TypeAutoCompactionCompleted,
	} {
		if !kindsByType[typ].Passthrough() {
			t.Errorf("%s should be passthrough", typ)
		}
	}
	if KindStreamDelta.Passthrough() {
		t.Error("stream-delta should not be passthrough")
	}
	if KindUnrecognized.Known() {
		t.Error("unrecognized should not be known")
	}
}

func TestDecodeStreamDelta(t *testing.T) {
	p, err := Decode(Raw{"type": "stream-delta", "messageId": "a1", "delta": "Hel", "tokens": 2.0})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	d, ok := p.(*StreamDelta)
	if !ok {
		t.Fatalf("expected *StreamDelta, got %T", p)
	}
	if d.MessageID != "a1" || d.Delta != "Hel" || d.Tokens != 2 {
		t.Errorf("unexpected payload: %+v", d)
	}
}

func TestDecodeEmptyDeltaIsValid(t *testing.T) {
	if _, err := Decode(Raw{"type": "stream-delta", "messageId": "a1", "delta": ""}); err != nil {
		t.Errorf("empty delta should be accepted: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
	}{
		{"missing message id", Raw{"type": "stream-start"}},
		{"empty message id", Raw{"type": "stream-end", "messageId": ""}},
		{"delta missing text", Raw{"type": "stream-delta", "messageId": "a1"}},
		{"delta wrong type", Raw{"type": "stream-delta", "messageId": "a1", "delta": 3}},
		{"error missing text", Raw{"type": "stream-error", "messageId": "a1"}},
		{"tool start missing name", Raw{"type": "tool-call-start", "messageId": "a1", "toolCallId": "c1"}},
		{"usage missing", Raw{"type": "usage-delta", "messageId": "a1"}},
		{"runtime status missing phase", Raw{"type": "runtime-status"}},
		{"message envelope missing role", Raw{"type": "message", "message": map[string]any{"id": "u1"}}},
		{"message envelope bad role", Raw{"type": "message", "message": map[string]any{"id": "u1", "role": "robot"}}},
		{"init end missing exit code", Raw{"type": "init-end"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
			var me *MalformedError
			if !errors.As(err, &me) {
				t.Fatalf("expected *MalformedError, got %T", err)
			}
			if me.Type == "" {
				t.Error("expected error to name the event type")
			}
		})
	}
}

func TestDecodeUnrecognizedNeverFails(t *testing.T) {
	inputs := []Raw{nil, {}, {"type": "future-thing", "payload": []any{1, 2}}, {"type": false}}
	for _, raw := range inputs {
		p, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%v) returned error: %v", raw, err)
		}
		if p.Kind() != KindUnrecognized {
			t.Errorf("Decode(%v).Kind() = %q, want unrecognized", raw, p.Kind())
		}
	}
}

func TestDecodePassthrough(t *testing.T) {
	raw := Raw{"type": "session-usage-delta", "usage": map[string]any{"inputTokens": 3.0}}
	p, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	pt, ok := p.(*Passthrough)
	if !ok {
		t.Fatalf("expected *Passthrough, got %T", p)
	}
	if pt.Kind() != KindSessionUsageDelta {
		t.Errorf("Kind() = %q", pt.Kind())
	}
	if pt.Raw["usage"] == nil {
		t.Error("passthrough should keep the raw event")
	}
}

func TestDecodeGenericMessages(t *testing.T) {
	t.Run("envelope", func(t *testing.T) {
		p, err := Decode(Raw{"type": "message", "message": map[string]any{"id": "u1", "role": "user"}})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		g := p.(*GenericMessage)
		if g.IsInit() || len(g.Message) == 0 {
			t.Errorf("unexpected generic message: %+v", g)
		}
	})

	t.Run("bare", func(t *testing.T) {
		p, err := Decode(Raw{"id": "u1", "role": "assistant"})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		g := p.(*GenericMessage)
		if g.Type != TypeMessage {
			t.Errorf("Type = %q, want %q", g.Type, TypeMessage)
		}
	})

	t.Run("init end", func(t *testing.T) {
		p, err := Decode(Raw{"type": "init-end", "exitCode": 1.0})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		g := p.(*GenericMessage)
		if !g.IsInit() || g.ExitCode == nil || *g.ExitCode != 1 {
			t.Errorf("unexpected init end: %+v", g)
		}
	})
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(`{"type":"stream-end","messageId":"a1","metadata":{"model":"m","usage":{"outputTokens":5}}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	end := p.(*StreamEnd)
	if end.Metadata.Usage == nil || end.Metadata.Usage.OutputTokens != 5 {
		t.Errorf("unexpected metadata: %+v", end.Metadata)
	}

	if _, err := Parse([]byte(`[1,2]`)); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for non-object, got %v", err)
	}
}

func TestUsageArithmetic(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.5}
	b := Usage{InputTokens: 3, ReasoningTokens: 2, CostUSD: 0.25}
	sum := a.Add(b)
	if sum.Total() != 20 {
		t.Errorf("Total() = %d, want 20", sum.Total())
	}
	if back := sum.Sub(b); back != a {
		t.Errorf("Sub() = %+v, want %+v", back, a)
	}
}

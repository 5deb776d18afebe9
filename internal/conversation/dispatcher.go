package conversation

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/metrics"
)

// Hint tells the caller how urgently to re-render after an event
type Hint string

const (
	HintImmediate Hint = "immediate"
	HintThrottled Hint = "throttled"
	HintIgnored   Hint = "ignored"
)

var hints = map[event.Kind]Hint{
	event.KindStreamStart: HintImmediate,
	event.KindStreamEnd:   HintImmediate,
	event.KindStreamAbort: HintImmediate,
	event.KindStreamError: HintImmediate,

	event.KindStreamDelta:    HintThrottled,
	event.KindToolCallDelta:  HintThrottled,
	event.KindReasoningDelta: HintThrottled,
	event.KindUsageDelta:     HintThrottled,

	event.KindToolCallStart:  HintImmediate,
	event.KindToolCallEnd:    HintImmediate,
	event.KindReasoningEnd:   HintImmediate,
	event.KindDeleteMessage:  HintImmediate,
	event.KindRuntimeStatus:  HintImmediate,
	event.KindGenericMessage: HintImmediate,
}

// HintFor returns the hint for an event kind. Passthrough and unrecognized
// kinds are ignored.
func HintFor(k event.Kind) Hint {
	if h, ok := hints[k]; ok {
		return h
	}
	return HintIgnored
}

// Dispatcher routes decoded events to a Handler and classifies each one.
// It does no batching; coalescing throttled hints is the caller's job.
type Dispatcher struct {
	handler Handler
}

func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h}
}

// Apply routes p to the handler unless its hint is ignored, in which case
// nothing is touched. The hint is returned even when the handler fails.
func (d *Dispatcher) Apply(p event.Payload) (Hint, error) {
	kind := p.Kind()
	hint := HintFor(kind)
	if hint == HintIgnored {
		metrics.RecordEvent(string(kind), string(hint))
		return hint, nil
	}

	err := route(d.handler, p)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			metrics.RecordProtocolViolation(string(kind))
		}
		return hint, err
	}
	metrics.RecordEvent(string(kind), string(hint))
	return hint, nil
}

// ApplyRaw decodes raw and applies it. Malformed events are rejected before
// reaching the handler.
func (d *Dispatcher) ApplyRaw(raw event.Raw) (event.Payload, Hint, error) {
	p, err := event.Decode(raw)
	if err != nil {
		kind := event.Classify(raw)
		metrics.RecordProtocolViolation(string(kind))
		return nil, HintFor(kind), err
	}
	hint, err := d.Apply(p)
	return p, hint, err
}

func route(h Handler, p event.Payload) error {
	switch e := p.(type) {
	case *event.StreamStart:
		return h.HandleStreamStart(e)
	case *event.StreamDelta:
		return h.HandleStreamDelta(e)
	case *event.StreamEnd:
		return h.HandleStreamEnd(e)
	case *event.StreamAbort:
		return h.HandleStreamAbort(e)
	case *event.StreamError:
		return h.HandleStreamError(e)
	case *event.ToolCallStart:
		return h.HandleToolCallStart(e)
	case *event.ToolCallDelta:
		return h.HandleToolCallDelta(e)
	case *event.ToolCallEnd:
		return h.HandleToolCallEnd(e)
	case *event.ReasoningDelta:
		return h.HandleReasoningDelta(e)
	case *event.ReasoningEnd:
		return h.HandleReasoningEnd(e)
	case *event.UsageDelta:
		return h.HandleUsageDelta(e)
	case *event.DeleteMessage:
		return h.HandleDeleteMessage(e)
	case *event.RuntimeStatus:
		return h.HandleRuntimeStatus(e)
	case *event.GenericMessage:
		return h.HandleMessage(e)
	}
	// The hint table and this switch cover the same kinds; a payload type
	// missing here is an internal bug.
	return fmt.Errorf("no handler for %T", p)
}

package event

import (
	"encoding/json"
	"fmt"
)

// Raw is one untyped event object as delivered by the transport
type Raw map[string]any

// Type returns the wire "type" field, or "" when absent
func (r Raw) Type() string {
	t, _ := r["type"].(string)
	return t
}

// Classify maps a raw event to its Kind. It is pure and total: nil input,
// missing or unknown types all yield KindUnrecognized.
func Classify(raw Raw) Kind {
	if raw == nil {
		return KindUnrecognized
	}
	typ := raw.Type()
	if typ == "" {
		if isBareMessage(raw) {
			return KindGenericMessage
		}
		return KindUnrecognized
	}
	if k, ok := kindsByType[typ]; ok {
		return k
	}
	return KindUnrecognized
}

// isBareMessage matches a complete message object sent without an envelope
func isBareMessage(raw Raw) bool {
	id, _ := raw["id"].(string)
	role, _ := raw["role"].(string)
	return id != "" && role != ""
}

// Decode classifies raw and converts it into its typed Payload.
//
// Unrecognized and passthrough kinds never fail. Known kinds are validated
// against their required-field schema first; a violation returns a
// *MalformedError wrapping ErrMalformedEvent.
func Decode(raw Raw) (Payload, error) {
	kind := Classify(raw)
	typ := raw.Type()

	switch {
	case kind == KindUnrecognized:
		return &Unrecognized{Type: typ, Raw: raw}, nil
	case kind.Passthrough():
		return &Passthrough{EventKind: kind, Type: typ, Raw: raw}, nil
	}

	if err := validate(typ, raw); err != nil {
		return nil, &MalformedError{Type: typeName(kind, typ), Err: err}
	}

	if kind == KindGenericMessage {
		return decodeGeneric(typ, raw)
	}

	p := newPayload(kind)
	if err := convert(raw, p); err != nil {
		return nil, &MalformedError{Type: typ, Err: err}
	}
	return p, nil
}

// Parse decodes a JSON-encoded event
func Parse(data []byte) (Payload, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedError{Err: fmt.Errorf("event is not a JSON object: %w", err)}
	}
	return Decode(raw)
}

func newPayload(kind Kind) Payload {
	switch kind {
	case KindStreamStart:
		return &StreamStart{}
	case KindStreamDelta:
		return &StreamDelta{}
	case KindStreamEnd:
		return &StreamEnd{}
	case KindStreamAbort:
		return &StreamAbort{}
	case KindStreamError:
		return &StreamError{}
	case KindToolCallStart:
		return &ToolCallStart{}
	case KindToolCallDelta:
		return &ToolCallDelta{}
	case KindToolCallEnd:
		return &ToolCallEnd{}
	case KindReasoningDelta:
		return &ReasoningDelta{}
	case KindReasoningEnd:
		return &ReasoningEnd{}
	case KindUsageDelta:
		return &UsageDelta{}
	case KindDeleteMessage:
		return &DeleteMessage{}
	case KindRuntimeStatus:
		return &RuntimeStatus{}
	}
	// Every applied kind is listed above; reaching here is an internal bug,
	// not an unknown protocol type.
	panic(fmt.Sprintf("event: no payload type for kind %q", kind))
}

func decodeGeneric(typ string, raw Raw) (Payload, error) {
	switch typ {
	case "":
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, &MalformedError{Type: TypeMessage, Err: err}
		}
		return &GenericMessage{Type: TypeMessage, Message: data}, nil
	default:
		g := &GenericMessage{}
		if err := convert(raw, g); err != nil {
			return nil, &MalformedError{Type: typ, Err: err}
		}
		return g, nil
	}
}

// convert round-trips raw through JSON into dst
func convert(raw Raw, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func typeName(kind Kind, typ string) string {
	if typ == "" {
		return string(kind)
	}
	return typ
}

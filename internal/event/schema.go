package event

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// field is one required property of an event
type field struct {
	name   string
	schema *jsonschema.Schema
}

func idField(name string) field {
	one := 1
	return field{name: name, schema: &jsonschema.Schema{Type: "string", MinLength: &one}}
}

func stringField(name string) field {
	return field{name: name, schema: &jsonschema.Schema{Type: "string"}}
}

func objectField(name string, nested ...field) field {
	return field{name: name, schema: objectSchema(nested...)}
}

func numberField(name string) field {
	return field{name: name, schema: &jsonschema.Schema{Type: "number"}}
}

func roleField() field {
	return field{name: "role", schema: &jsonschema.Schema{
		Type: "string",
		Enum: []any{"user", "assistant", "system"},
	}}
}

func objectSchema(fields ...field) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}
	for _, f := range fields {
		s.Required = append(s.Required, f.name)
		s.Properties[f.name] = f.schema
	}
	return s
}

// requiredFields lists, per wire type, the fields an event must carry to be
// applied. The empty type is the bare message form.
var requiredFields = map[string][]field{
	TypeStreamStart:    {idField("messageId")},
	TypeStreamDelta:    {idField("messageId"), stringField("delta")},
	TypeStreamEnd:      {idField("messageId")},
	TypeStreamAbort:    {idField("messageId")},
	TypeStreamError:    {idField("messageId"), stringField("error")},
	TypeToolCallStart:  {idField("messageId"), idField("toolCallId"), idField("toolName")},
	TypeToolCallDelta:  {idField("messageId"), idField("toolCallId"), stringField("delta")},
	TypeToolCallEnd:    {idField("messageId"), idField("toolCallId")},
	TypeReasoningDelta: {idField("messageId"), stringField("delta")},
	TypeReasoningEnd:   {idField("messageId")},
	TypeUsageDelta:     {idField("messageId"), objectField("usage")},
	TypeDelete:         {idField("messageId")},
	TypeRuntimeStatus:  {idField("phase")},
	TypeMessage:        {objectField("message", idField("id"), roleField())},
	TypeInitStart:      {},
	TypeInitOutput:     {stringField("line")},
	TypeInitEnd:        {numberField("exitCode")},
	"":                 {idField("id"), roleField()},
}

var resolvedSchemas = mustResolveSchemas()

func mustResolveSchemas() map[string]*jsonschema.Resolved {
	out := make(map[string]*jsonschema.Resolved, len(requiredFields))
	for typ, fields := range requiredFields {
		rs, err := objectSchema(fields...).Resolve(nil)
		if err != nil {
			panic(fmt.Sprintf("event: invalid schema for %q: %v", typ, err))
		}
		out[typ] = rs
	}
	return out
}

// validate checks raw against the schema for its wire type
func validate(typ string, raw Raw) error {
	rs, ok := resolvedSchemas[typ]
	if !ok {
		return fmt.Errorf("no schema for event type %q", typ)
	}
	return rs.Validate(map[string]any(raw))
}

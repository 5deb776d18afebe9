package event

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when an event of a known kind lacks required
// fields or carries fields of the wrong type. It is a contract violation by
// the producer, never a benign race.
var ErrMalformedEvent = errors.New("malformed event")

// MalformedError describes why an event failed validation
type MalformedError struct {
	Type string
	Err  error
}

func (e *MalformedError) Error() string {
	name := e.Type
	if name == "" {
		name = "untyped"
	}
	if e.Err == nil {
		return fmt.Sprintf("malformed %s event", name)
	}
	return fmt.Sprintf("malformed %s event: %v", name, e.Err)
}

func (e *MalformedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedEvent}
	}
	return []error{ErrMalformedEvent, e.Err}
}

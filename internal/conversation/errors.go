package conversation

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation marks events that can only arise from a transport or
// ordering bug. They are never patched over.
var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolError explains a rejected event in terms a caller can display
type ProtocolError struct {
	Op        string
	MessageID string
	Reason    string
}

func (e *ProtocolError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s rejected for message %q: %s", e.Op, e.MessageID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

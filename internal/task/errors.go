package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound          = errors.New("task not found")
	ErrTaskExists            = errors.New("task already registered")
	ErrDepthMismatch         = errors.New("depth must be parent depth + 1")
	ErrDepthExceeded         = errors.New("maximum task depth exceeded")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrParentReported        = errors.New("parent task already reported")
	ErrUnresolvedDescendants = errors.New("task has unresolved descendants")
)

// ReportRejectedError is returned by AcceptReport while descendants are
// still unresolved. Callers surface it; they do not retry automatically.
type ReportRejectedError struct {
	TaskID  string
	Pending []Descendant
}

func (e *ReportRejectedError) Error() string {
	names := make([]string, 0, len(e.Pending))
	for _, d := range e.Pending {
		names = append(names, fmt.Sprintf("%s [%s]", d.ID, d.Status))
	}
	return fmt.Sprintf("task %s cannot report: %d descendant task(s) still unresolved (%s); finish or await descendant tasks first",
		e.TaskID, len(e.Pending), strings.Join(names, ", "))
}

func (e *ReportRejectedError) Unwrap() error { return ErrUnresolvedDescendants }

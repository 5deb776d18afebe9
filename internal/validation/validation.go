// Package validation checks identifiers arriving from clients before they
// reach the store or the task tracker.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const maxIDLength = 128

var (
	// identifiers: alphanumeric start, then alphanumeric, dash, underscore, dot, colon
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

	// scheduled task ids: sched_ followed by 8 hex characters
	scheduledTaskRegex = regexp.MustCompile(`^sched_[0-9a-f]{8}$`)
)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID cannot be empty", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s ID exceeds %d characters", kind, maxIDLength)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("invalid %s ID: %s", kind, id)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid %s ID format: %s", kind, id)
	}
	return nil
}

// ValidateMinionID validates a minion ID
func ValidateMinionID(id string) error {
	return validateID("minion", id)
}

// ValidateTaskID validates a task ID. Scheduled task IDs must match the
// form the scheduler generates.
func ValidateTaskID(id string) error {
	if strings.HasPrefix(id, "sched_") && !scheduledTaskRegex.MatchString(id) {
		return fmt.Errorf("invalid scheduled task ID format: %s", id)
	}
	return validateID("task", id)
}

// ValidateMessageID validates a message ID
func ValidateMessageID(id string) error {
	return validateID("message", id)
}

// ValidateJobID validates a scheduled job ID
func ValidateJobID(id string) error {
	return validateID("job", id)
}

// ValidateProcessID validates a background process ID
func ValidateProcessID(id string) error {
	return validateID("process", id)
}

package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/lattice/internal/compaction"
	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/minion"
	"github.com/HyphaGroup/lattice/internal/process"
	"github.com/HyphaGroup/lattice/internal/schedule"
	"github.com/HyphaGroup/lattice/internal/task"
)

// domainErrors are raised by lattice itself and quote only client-supplied
// identifiers, so they reach the client verbatim.
var domainErrors = []error{
	task.ErrTaskNotFound,
	task.ErrTaskExists,
	task.ErrDepthMismatch,
	task.ErrDepthExceeded,
	task.ErrInvalidTransition,
	task.ErrParentReported,
	task.ErrUnresolvedDescendants,
	conversation.ErrProtocolViolation,
	event.ErrMalformedEvent,
	compaction.ErrNoCompactionRequest,
	minion.ErrMinionNotFound,
	minion.ErrInterruptUnavailable,
	minion.ErrMinionDisposed,
	process.ErrProcessNotFound,
	schedule.ErrJobNotFound,
	schedule.ErrInvalidCron,
	schedule.ErrMissingField,
	schedule.ErrPreviousRunPending,
}

type errorClass int

const (
	classShown    errorClass = iota // returned as is
	classSecret                     // mentions credentials
	classInternal                   // host or runtime failure
	classOpaque                     // unknown; shown only when short
)

var (
	secretMarkers = []string{"api_key", "token", "password", "secret", "credential", "auth"}

	internalMarkers = []string{
		"failed to exec", "failed to start", "connection refused", "no such file",
		"permission denied", "timeout", "context canceled", "eof", "database is locked",
	}

	// Validation wording used by handlers and the validation package
	validationMarkers = []string{
		"not found", "already exists", "invalid", "required", "must be", "cannot be",
		"is not", "exceeded", "exceeds", "limit", "no execution layer", "configured",
		"requires", "read-only",
	}
)

func classify(err error) errorClass {
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return classShown
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, secretMarkers):
		return classSecret
	case containsAny(msg, internalMarkers):
		return classInternal
	case containsAny(msg, validationMarkers):
		return classShown
	}
	return classOpaque
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// SanitizeError maps a tool failure to the error the client sees. Anything
// withheld from the client is logged in full.
func SanitizeError(err error, tool string) error {
	if err == nil {
		return nil
	}

	switch classify(err) {
	case classShown:
		return err
	case classSecret:
		logger.Error("%s failed (sensitive): %v", tool, err)
		return fmt.Errorf("%s failed: internal configuration error", tool)
	case classInternal:
		logger.Error("%s failed (internal): %v", tool, err)
		return fmt.Errorf("%s failed: internal error", tool)
	}

	logger.Error("%s failed: %v", tool, err)
	if msg := err.Error(); len(msg) < 50 {
		return fmt.Errorf("%s failed: %s", tool, msg)
	}
	return fmt.Errorf("%s failed: an unexpected error occurred", tool)
}

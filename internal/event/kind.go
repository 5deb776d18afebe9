// Package event classifies and decodes the protocol events that describe an
// agent's in-progress response.
//
// kind.go - Event kinds and wire type mapping
//
// Classification is total: every input maps to exactly one Kind, with
// KindUnrecognized as the explicit arm for types this build does not know.
// A newer protocol talking to an older aggregator degrades to a no-op.
package event

// Kind is the discriminant of a classified event
type Kind string

const (
	KindStreamStart    Kind = "stream-start"
	KindStreamDelta    Kind = "stream-delta"
	KindStreamEnd      Kind = "stream-end"
	KindStreamAbort    Kind = "stream-abort"
	KindStreamError    Kind = "stream-error"
	KindToolCallStart  Kind = "tool-call-start"
	KindToolCallDelta  Kind = "tool-call-delta"
	KindToolCallEnd    Kind = "tool-call-end"
	KindReasoningDelta Kind = "reasoning-delta"
	KindReasoningEnd   Kind = "reasoning-end"
	KindUsageDelta     Kind = "usage-delta"
	KindDeleteMessage  Kind = "delete-message"
	KindRuntimeStatus  Kind = "runtime-status"
	KindGenericMessage Kind = "generic-message"

	// Known kinds that never reach the aggregator
	KindCaughtUp                Kind = "caught-up"
	KindQueuedMessageChanged    Kind = "queued-message-changed"
	KindRestoreToInput          Kind = "restore-to-input"
	KindSessionUsageDelta       Kind = "session-usage-delta"
	KindAutoCompactionTriggered Kind = "auto-compaction-triggered"
	KindAutoCompactionCompleted Kind = "auto-compaction-completed"

	KindUnrecognized Kind = "unrecognized"
)

// Wire type strings as they appear in the "type" field
const (
	TypeStreamStart             = "stream-start"
	TypeStreamDelta             = "stream-delta"
	TypeStreamEnd               = "stream-end"
	TypeStreamAbort             = "stream-abort"
	TypeStreamError             = "stream-error"
	TypeToolCallStart           = "tool-call-start"
	TypeToolCallDelta           = "tool-call-delta"
	TypeToolCallEnd             = "tool-call-end"
	TypeReasoningDelta          = "reasoning-delta"
	TypeReasoningEnd            = "reasoning-end"
	TypeUsageDelta              = "usage-delta"
	TypeDelete                  = "delete"
	TypeRuntimeStatus           = "runtime-status"
	TypeMessage                 = "message"
	TypeInitStart               = "init-start"
	TypeInitOutput              = "init-output"
	TypeInitEnd                 = "init-end"
	TypeCaughtUp                = "caught-up"
	TypeQueuedMessageChanged    = "queued-message-changed"
	TypeRestoreToInput          = "restore-to-input"
	TypeSessionUsageDelta       = "session-usage-delta"
	TypeAutoCompactionTriggered = "auto-compaction-triggered"
	TypeAutoCompactionCompleted = "auto-compaction-completed"
)

var kindsByType = map[string]Kind{
	TypeStreamStart:             KindStreamStart,
	TypeStreamDelta:             KindStreamDelta,
	TypeStreamEnd:               KindStreamEnd,
	TypeStreamAbort:             KindStreamAbort,
	TypeStreamError:             KindStreamError,
	TypeToolCallStart:           KindToolCallStart,
	TypeToolCallDelta:           KindToolCallDelta,
	TypeToolCallEnd:             KindToolCallEnd,
	TypeReasoningDelta:          KindReasoningDelta,
	TypeReasoningEnd:            KindReasoningEnd,
	TypeUsageDelta:              KindUsageDelta,
	TypeDelete:                  KindDeleteMessage,
	TypeRuntimeStatus:           KindRuntimeStatus,
	TypeMessage:                 KindGenericMessage,
	TypeInitStart:               KindGenericMessage,
	TypeInitOutput:              KindGenericMessage,
	TypeInitEnd:                 KindGenericMessage,
	TypeCaughtUp:                KindCaughtUp,
	TypeQueuedMessageChanged:    KindQueuedMessageChanged,
	TypeRestoreToInput:          KindRestoreToInput,
	TypeSessionUsageDelta:       KindSessionUsageDelta,
	TypeAutoCompactionTriggered: KindAutoCompactionTriggered,
	TypeAutoCompactionCompleted: KindAutoCompactionCompleted,
}

// Passthrough reports whether events of this kind are known but never
// applied to conversation state.
func (k Kind) Passthrough() bool {
	switch k {
	case KindCaughtUp, KindQueuedMessageChanged, KindRestoreToInput,
		KindSessionUsageDelta, KindAutoCompactionTriggered, KindAutoCompactionCompleted:
		return true
	}
	return false
}

// Known reports whether k is anything other than KindUnrecognized
func (k Kind) Known() bool {
	return k != KindUnrecognized && k != ""
}

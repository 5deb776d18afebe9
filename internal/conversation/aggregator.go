package conversation

import (
	"log/slog"
	"time"

	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/metrics"
)

// Handler is the capability set the Dispatcher drives: one method per
// applied event kind.
type Handler interface {
	HandleStreamStart(*event.StreamStart) error
	HandleStreamDelta(*event.StreamDelta) error
	HandleStreamEnd(*event.StreamEnd) error
	HandleStreamAbort(*event.StreamAbort) error
	HandleStreamError(*event.StreamError) error
	HandleToolCallStart(*event.ToolCallStart) error
	HandleToolCallDelta(*event.ToolCallDelta) error
	HandleToolCallEnd(*event.ToolCallEnd) error
	HandleReasoningDelta(*event.ReasoningDelta) error
	HandleReasoningEnd(*event.ReasoningEnd) error
	HandleUsageDelta(*event.UsageDelta) error
	HandleDeleteMessage(*event.DeleteMessage) error
	HandleRuntimeStatus(*event.RuntimeStatus) error
	HandleMessage(*event.GenericMessage) error
}

var _ Handler = (*Aggregator)(nil)

// stream is the transient write into one assistant message
type stream struct {
	startedAt time.Time
}

// Aggregator owns one conversation. It is not safe for concurrent use.
type Aggregator struct {
	minionID string
	tokens   TokenStore
	log      *slog.Logger
	now      func() time.Time

	messages []*Message
	index    map[string]int
	streams  map[string]*stream

	usage     event.Usage
	status    RuntimeStatus
	initState InitState
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger overrides the default logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// NewAggregator creates an empty conversation for minionID. tokens receives
// all per-message token state; a nil store gets a private MemoryTokenStore.
func NewAggregator(minionID string, tokens TokenStore, opts ...Option) *Aggregator {
	if tokens == nil {
		tokens = NewTokenStore()
	}
	a := &Aggregator{
		minionID: minionID,
		tokens:   tokens,
		now:      time.Now,
		index:    make(map[string]int),
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Slog().With("minion_id", minionID)
	}
	return a
}

func (a *Aggregator) MinionID() string { return a.minionID }

// Tokens returns the token store this aggregator writes
func (a *Aggregator) Tokens() TokenStore { return a.tokens }

// benignRace records an event that arrived for state that no longer (or
// not yet) exists. It is expected under asynchronous delivery.
func (a *Aggregator) benignRace(kind event.Kind, messageID, reason string) {
	a.log.Debug("ignoring event",
		"kind", string(kind),
		"message_id", messageID,
		"reason", reason)
	metrics.RecordBenignRace(string(kind))
}

func (a *Aggregator) lookup(id string) *Message {
	if i, ok := a.index[id]; ok {
		return a.messages[i]
	}
	return nil
}

func (a *Aggregator) appendMessage(m *Message) {
	a.index[m.ID] = len(a.messages)
	a.messages = append(a.messages, m)
}

func (a *Aggregator) removeMessage(id string) *Message {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	m := a.messages[i]
	a.messages = append(a.messages[:i], a.messages[i+1:]...)
	delete(a.index, id)
	for j := i; j < len(a.messages); j++ {
		a.index[a.messages[j].ID] = j
	}
	return m
}

// active returns the message with an active stream for id
func (a *Aggregator) active(id string) (*Message, bool) {
	if _, ok := a.streams[id]; !ok {
		return nil, false
	}
	m := a.lookup(id)
	return m, m != nil
}

func (a *Aggregator) HandleStreamStart(e *event.StreamStart) error {
	if _, ok := a.streams[e.MessageID]; ok {
		return &ProtocolError{
			Op:        string(event.KindStreamStart),
			MessageID: e.MessageID,
			Reason:    "a stream is already active for this message",
		}
	}

	now := a.now()
	m := a.lookup(e.MessageID)
	if m == nil {
		m = &Message{ID: e.MessageID, Role: RoleAssistant}
		m.Metadata.Timestamp = e.StartTime
		if m.Metadata.Timestamp == 0 {
			m.Metadata.Timestamp = now.UnixMilli()
		}
		a.appendMessage(m)
	} else if m.Role != RoleAssistant {
		return &ProtocolError{
			Op:        string(event.KindStreamStart),
			MessageID: e.MessageID,
			Reason:    "only assistant messages can be streamed",
		}
	}

	if e.Model != "" {
		m.Metadata.Model = e.Model
	}
	if e.HistorySequence != 0 {
		m.Metadata.HistorySequence = e.HistorySequence
	}
	m.Metadata.StreamState = StreamStreaming
	m.Metadata.Error = ""
	m.Metadata.ErrorType = ""

	a.streams[e.MessageID] = &stream{startedAt: now}
	a.tokens.Begin(e.MessageID, now)
	return nil
}

func (a *Aggregator) HandleStreamDelta(e *event.StreamDelta) error {
	m, ok := a.active(e.MessageID)
	if !ok {
		a.benignRace(event.KindStreamDelta, e.MessageID, "no active stream")
		return nil
	}
	appendText(m, PartText, e.Delta, e.Timestamp)
	a.tokens.Add(e.MessageID, e.Tokens, a.now())
	return nil
}

// HandleStreamEnd finalizes the message, then clears its token state
func (a *Aggregator) HandleStreamEnd(e *event.StreamEnd) error {
	m, ok := a.active(e.MessageID)
	if !ok {
		a.benignRace(event.KindStreamEnd, e.MessageID, "no active stream")
		return nil
	}
	a.finish(m, StreamEnded, e.Metadata)
	a.tokens.Clear(e.MessageID)
	return nil
}

// HandleStreamAbort clears token state first, then applies the abort.
// Partial content is kept.
func (a *Aggregator) HandleStreamAbort(e *event.StreamAbort) error {
	a.tokens.Clear(e.MessageID)
	m, ok := a.active(e.MessageID)
	if !ok {
		a.benignRace(event.KindStreamAbort, e.MessageID, "no active stream")
		return nil
	}
	a.finish(m, StreamAborted, e.Metadata)
	m.Metadata.PartialAbandoned = e.AbandonPartial
	return nil
}

// HandleStreamError marks the message errored. An error for a message that
// was never started still produces a visible assistant message.
func (a *Aggregator) HandleStreamError(e *event.StreamError) error {
	m := a.lookup(e.MessageID)
	switch {
	case m == nil:
		m = &Message{ID: e.MessageID, Role: RoleAssistant}
		m.Metadata.Timestamp = a.now().UnixMilli()
		a.appendMessage(m)
		m.Metadata.StreamState = StreamErrored
	case a.streams[e.MessageID] != nil:
		a.finish(m, StreamErrored, event.EndMetadata{})
	default:
		m.Metadata.StreamState = StreamErrored
	}
	m.Metadata.Error = e.Error
	m.Metadata.ErrorType = e.ErrorType
	a.tokens.Clear(e.MessageID)
	return nil
}

// finish moves an active stream into a terminal state
func (a *Aggregator) finish(m *Message, state StreamState, md event.EndMetadata) {
	delete(a.streams, m.ID)
	m.Metadata.StreamState = state
	if md.Model != "" {
		m.Metadata.Model = md.Model
	}
	if md.DurationMs != 0 {
		m.Metadata.DurationMs = md.DurationMs
	}
	if md.Usage != nil {
		// The trailer may undercount what usage-deltas already reported
		a.mergeUsage(m, *md.Usage)
	}
	for i := range m.Parts {
		p := &m.Parts[i]
		switch p.Type {
		case PartReasoning:
			p.Done = true
		case PartToolCall:
			if p.State == ToolCallStarted && state != StreamEnded {
				p.State = ToolCallInterrupted
			}
		}
	}
}

func (a *Aggregator) HandleToolCallStart(e *event.ToolCallStart) error {
	m, ok := a.active(e.MessageID)
	if !ok {
		a.benignRace(event.KindToolCallStart, e.MessageID, "no active stream")
		return nil
	}
	if _, exists := m.ToolCall(e.ToolCallID); exists {
		return &ProtocolError{
			Op:        string(event.KindToolCallStart),
			MessageID: e.MessageID,
			Reason:    "tool call " + e.ToolCallID + " already started",
		}
	}
	m.Parts = append(m.Parts, Part{
		Type:       PartToolCall,
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Args:       e.Args,
		State:      ToolCallStarted,
		Timestamp:  e.Timestamp,
	})
	return nil
}

func (a *Aggregator) toolCall(kind event.Kind, messageID, callID string) *Part {
	m, ok := a.active(messageID)
	if !ok {
		a.benignRace(kind, messageID, "no active stream")
		return nil
	}
	for i := range m.Parts {
		if p := &m.Parts[i]; p.Type == PartToolCall && p.ToolCallID == callID {
			return p
		}
	}
	a.benignRace(kind, messageID, "unknown tool call "+callID)
	return nil
}

func (a *Aggregator) HandleToolCallDelta(e *event.ToolCallDelta) error {
	p := a.toolCall(event.KindToolCallDelta, e.MessageID, e.ToolCallID)
	if p == nil || p.State != ToolCallStarted {
		return nil
	}
	p.ArgsText += e.Delta
	return nil
}

func (a *Aggregator) HandleToolCallEnd(e *event.ToolCallEnd) error {
	p := a.toolCall(event.KindToolCallEnd, e.MessageID, e.ToolCallID)
	if p == nil {
		return nil
	}
	p.State = ToolCallEnded
	p.Result = e.Result
	if p.ToolName == "" {
		p.ToolName = e.ToolName
	}
	return nil
}

func (a *Aggregator) HandleReasoningDelta(e *event.ReasoningDelta) error {
	m, ok := a.active(e.MessageID)
	if !ok {
		a.benignRace(event.KindReasoningDelta, e.MessageID, "no active stream")
		return nil
	}
	appendText(m, PartReasoning, e.Delta, e.Timestamp)
	a.tokens.Add(e.MessageID, e.Tokens, a.now())
	return nil
}

func (a *Aggregator) HandleReasoningEnd(e *event.ReasoningEnd) error {
	m, ok := a.active(e.MessageID)
	if !ok {
		a.benignRace(event.KindReasoningEnd, e.MessageID, "no active stream")
		return nil
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartReasoning && !m.Parts[n-1].Done {
		m.Parts[n-1].Done = true
		return nil
	}
	a.benignRace(event.KindReasoningEnd, e.MessageID, "no open reasoning block")
	return nil
}

// HandleUsageDelta accumulates usage on the message and the conversation
func (a *Aggregator) HandleUsageDelta(e *event.UsageDelta) error {
	m := a.lookup(e.MessageID)
	if m == nil {
		a.benignRace(event.KindUsageDelta, e.MessageID, "unknown message")
		return nil
	}
	m.Metadata.Usage = m.Metadata.Usage.Add(e.Usage)
	a.usage = a.usage.Add(e.Usage)
	return nil
}

// HandleDeleteMessage removes the message and everything keyed by its id.
// Deleting an unknown id is a no-op.
func (a *Aggregator) HandleDeleteMessage(e *event.DeleteMessage) error {
	delete(a.streams, e.MessageID)
	a.tokens.Clear(e.MessageID)
	if m := a.removeMessage(e.MessageID); m != nil {
		a.usage = a.usage.Sub(m.Metadata.Usage)
	}
	return nil
}

func (a *Aggregator) HandleRuntimeStatus(e *event.RuntimeStatus) error {
	a.status = RuntimeStatus{Phase: e.Phase, Detail: e.Detail, UpdatedAt: a.now()}
	return nil
}

// HandleMessage applies a fully formed unit. Conversation messages are
// upserted by id so replaying a stored log is idempotent; init steps update
// the init projection.
func (a *Aggregator) HandleMessage(e *event.GenericMessage) error {
	if e.IsInit() {
		a.applyInit(e)
		return nil
	}

	msg, err := DecodeMessage(e.Message)
	if err != nil {
		return &ProtocolError{Op: string(event.KindGenericMessage), Reason: err.Error()}
	}
	a.Upsert(msg)
	return nil
}

// Upsert inserts msg, or replaces the message with the same id in place.
// Any stream into that message is closed.
func (a *Aggregator) Upsert(msg Message) {
	m := msg.Clone()
	if _, streaming := a.streams[m.ID]; streaming {
		delete(a.streams, m.ID)
		a.tokens.Clear(m.ID)
	}
	if i, ok := a.index[m.ID]; ok {
		prev := a.messages[i]
		u := m.Metadata.Usage
		m.Metadata.Usage = prev.Metadata.Usage
		a.messages[i] = &m
		a.mergeUsage(&m, u)
		return
	}
	a.appendMessage(&m)
	a.usage = a.usage.Add(m.Metadata.Usage)
}

// mergeUsage raises m's usage field-wise to at least u and adds the growth
// to the conversation totals. Totals only shrink on deletion.
func (a *Aggregator) mergeUsage(m *Message, u event.Usage) {
	merged := m.Metadata.Usage.Max(u)
	a.usage = a.usage.Add(merged.Sub(m.Metadata.Usage))
	m.Metadata.Usage = merged
}

func (a *Aggregator) applyInit(e *event.GenericMessage) {
	switch e.Type {
	case event.TypeInitStart:
		a.initState = InitState{Status: InitRunning, HookPath: e.HookPath}
	case event.TypeInitOutput:
		if a.initState.Status == InitNone {
			a.initState.Status = InitRunning
		}
		line := e.Line
		if e.IsError {
			line = "ERROR: " + line
		}
		a.initState.Lines = append(a.initState.Lines, line)
		if n := len(a.initState.Lines); n > MaxInitLines {
			a.initState.Lines = append([]string(nil), a.initState.Lines[n-MaxInitLines:]...)
			a.initState.Truncated = true
		}
	case event.TypeInitEnd:
		code := 0
		if e.ExitCode != nil {
			code = *e.ExitCode
		}
		a.initState.ExitCode = &code
		if code == 0 {
			a.initState.Status = InitSuccess
		} else {
			a.initState.Status = InitError
		}
	}
}

// appendText extends the trailing part of typ, or opens a new one when the
// trailing part is of another type or closed.
func appendText(m *Message, typ PartType, delta string, ts int64) {
	if n := len(m.Parts); n > 0 {
		last := &m.Parts[n-1]
		if last.Type == typ && !last.Done {
			last.Text += delta
			return
		}
	}
	m.Parts = append(m.Parts, Part{Type: typ, Text: delta, Timestamp: ts})
}

package minion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/lattice/internal/compaction"
	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/metrics"
	"github.com/HyphaGroup/lattice/internal/process"
	"github.com/HyphaGroup/lattice/internal/task"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultTaskTool        = "task"
	DefaultReportTool      = "agent_report"
)

var (
	ErrMinionNotFound       = errors.New("minion not found")
	ErrInterruptUnavailable = errors.New("no execution layer attached to minion")
	ErrManagerClosed        = errors.New("minion manager closed")
	ErrMinionDisposed       = errors.New("minion disposed")
)

// Config tunes a Manager. Zero values take the defaults above.
type Config struct {
	EventBufferSize int
	FrameInterval   time.Duration
	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	// TaskTool names the tool whose completed call spawns a sub-agent task
	TaskTool string
	// ReportTool names the tool an agent calls to report its task done
	ReportTool string

	ScrollbackFlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.TaskTool == "" {
		c.TaskTool = DefaultTaskTool
	}
	if c.ReportTool == "" {
		c.ReportTool = DefaultReportTool
	}
	if c.ScrollbackFlushInterval <= 0 {
		c.ScrollbackFlushInterval = process.ScrollbackFlushInterval
	}
	return c
}

// Store is the persisted message log the manager writes through to
type Store interface {
	AppendMessage(ctx context.Context, minionID string, msg conversation.Message) error
	AppendDelete(ctx context.Context, minionID, messageID string) error
	Replay(ctx context.Context, minionID string, h conversation.Handler) (int, error)
}

// InterruptHandler is supplied by the execution layer running a minion. It
// returns once the interrupt has been acknowledged.
type InterruptHandler func(ctx context.Context, opts compaction.InterruptOptions) error

// Result describes one applied event
type Result struct {
	Kind  event.Kind        `json:"kind"`
	Hint  conversation.Hint `json:"hint"`
	Index int               `json:"index"`
}

// Manager owns every live minion. It implements compaction.InterruptChannel
// and compaction.Editor.
type Manager struct {
	cfg      Config
	store    Store
	sink     process.ScrollbackSink
	tracker  *task.Tracker
	notifier Notifier
	locks    *MinionLockMap

	mu         sync.RWMutex
	minions    map[string]*Minion
	interrupts map[string]InterruptHandler
	closed     bool

	coordinator *compaction.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ compaction.InterruptChannel = (*Manager)(nil)
	_ compaction.Editor           = (*Manager)(nil)
)

type Option func(*Manager)

// WithStore persists finalized messages and rebuilds minions from the log
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithScrollbackSink enables AttachScrollback
func WithScrollbackSink(s process.ScrollbackSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithNotifier sets the notifier used by minions without a subscriber
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// NewManager starts the flush and idle cleanup loops. Call Close to stop them.
func NewManager(cfg Config, tracker *task.Tracker, opts ...Option) *Manager {
	if tracker == nil {
		tracker = task.NewTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg.withDefaults(),
		tracker:    tracker,
		locks:      NewMinionLockMap(),
		minions:    make(map[string]*Minion),
		interrupts: make(map[string]InterruptHandler),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.coordinator = compaction.NewCoordinator(m, m)

	m.wg.Add(2)
	go m.flushLoop()
	go m.cleanupLoop()
	return m
}

func (m *Manager) Tracker() *task.Tracker { return m.tracker }

// Close stops background loops and disposes every minion
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, mn := range m.list() {
		m.Dispose(mn.ID)
	}
}

func (m *Manager) list() []*Minion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Minion, 0, len(m.minions))
	for _, mn := range m.minions {
		out = append(out, mn)
	}
	return out
}

// IDs returns the ids of live minions, sorted
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.minions))
	for id := range m.minions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live minions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.minions)
}

// Lookup returns a live minion without creating it
func (m *Manager) Lookup(minionID string) (*Minion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mn, ok := m.minions[minionID]
	return mn, ok
}

// Get returns the minion, creating it on first use. A new minion is rebuilt
// from the store and registered as a root task unless it is already a
// spawned task.
func (m *Manager) Get(ctx context.Context, minionID string) (*Minion, error) {
	if mn, ok := m.Lookup(minionID); ok {
		return mn, nil
	}

	m.locks.Lock(minionID)
	defer m.locks.Unlock(minionID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if mn, ok := m.minions[minionID]; ok {
		m.mu.Unlock()
		return mn, nil
	}
	m.mu.Unlock()

	mn := newMinion(minionID, m.cfg)
	if m.store != nil {
		n, err := m.store.Replay(ctx, minionID, mn.aggregator)
		if err != nil {
			return nil, fmt.Errorf("rebuild minion %s: %w", minionID, err)
		}
		if n > 0 {
			logger.WithContext(ctx).Info("minion rebuilt from store",
				"minion_id", minionID,
				"records", n,
				"messages", mn.aggregator.Len())
		}
	}
	if _, ok := m.tracker.Get(minionID); !ok {
		if _, err := m.tracker.RegisterRoot(minionID, ""); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.minions[minionID] = mn
	count := len(m.minions)
	m.mu.Unlock()

	metrics.SetActiveMinions(float64(count))
	return mn, nil
}

// Apply classifies raw and applies it to the minion's conversation under
// the minion's lock. Finalized messages are written to the store.
//
// A malformed event or a protocol violation is returned without being
// applied. A report rejected by the task tracker is returned after the
// event itself has been applied.
func (m *Manager) Apply(ctx context.Context, minionID string, raw event.Raw) (Result, error) {
	ctx = logger.WithMinion(ctx, minionID)

	// A minion disposed between Get and the lock is rebuilt once
	for attempt := 0; ; attempt++ {
		mn, err := m.Get(ctx, minionID)
		if err != nil {
			return Result{}, err
		}
		res, n, err := m.applyLocked(ctx, mn, raw)
		if errors.Is(err, ErrMinionDisposed) && attempt == 0 {
			continue
		}
		// Delivery may block on a subscriber, so it happens after unlocking
		if n != nil {
			m.notify(ctx, mn, *n)
		}
		return res, err
	}
}

func (m *Manager) applyLocked(ctx context.Context, mn *Minion, raw event.Raw) (Result, *Notification, error) {
	m.locks.Lock(mn.ID)
	defer m.locks.Unlock(mn.ID)

	if mn.isDisposed() {
		return Result{Index: -1}, nil, fmt.Errorf("%w: %s", ErrMinionDisposed, mn.ID)
	}

	p, hint, err := mn.dispatcher.ApplyRaw(raw)
	if p == nil {
		logger.WithContext(ctx).Warn("malformed event rejected", "error", err)
		return Result{Kind: event.Classify(raw), Hint: hint, Index: -1}, nil, err
	}
	res := Result{Kind: p.Kind(), Hint: hint, Index: -1}
	if err != nil {
		logger.WithContext(ctx).Warn("event rejected", "kind", string(p.Kind()), "error", err)
		return res, nil, err
	}

	res.Index = mn.events.Append(raw, p.Kind(), hint)
	mn.touch()

	if p.Kind() == event.KindRestoreToInput {
		m.restoreToInput(mn, raw)
	}
	if err := m.persist(ctx, mn, p); err != nil {
		return res, nil, err
	}
	taskErr := m.bridgeTasks(ctx, mn, p)

	return res, &Notification{
		MinionID:  mn.ID,
		Hint:      hint,
		Kind:      p.Kind(),
		MessageID: messageID(p),
		Index:     res.Index,
	}, taskErr
}

// persist writes messages that reached a terminal state
func (m *Manager) persist(ctx context.Context, mn *Minion, p event.Payload) error {
	if m.store == nil {
		return nil
	}

	var id string
	switch e := p.(type) {
	case *event.StreamEnd:
		id = e.MessageID
	case *event.StreamAbort:
		id = e.MessageID
	case *event.StreamError:
		id = e.MessageID
	case *event.GenericMessage:
		if e.IsInit() {
			return nil
		}
		msg, err := conversation.DecodeMessage(e.Message)
		if err != nil {
			return nil
		}
		id = msg.ID
	case *event.DeleteMessage:
		if err := m.store.AppendDelete(ctx, mn.ID, e.MessageID); err != nil {
			return fmt.Errorf("persist delete of %s: %w", e.MessageID, err)
		}
		return nil
	default:
		return nil
	}

	msg, ok := mn.aggregator.Message(id)
	if !ok {
		return nil
	}
	if err := m.store.AppendMessage(ctx, mn.ID, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", id, err)
	}
	return nil
}

// bridgeTasks maps minion activity onto the tracker. A stream starts the
// minion's queued task, a finished task tool call registers the spawned
// task, and a report tool call is gated on the minion's descendants.
func (m *Manager) bridgeTasks(ctx context.Context, mn *Minion, p event.Payload) error {
	switch e := p.(type) {
	case *event.StreamStart:
		if t, ok := m.tracker.Get(mn.ID); ok && t.Status == task.StatusQueued {
			return m.tracker.SetStatus(mn.ID, task.StatusRunning)
		}

	case *event.ToolCallEnd:
		if m.toolName(mn, e.MessageID, e.ToolCallID, e.ToolName) != m.cfg.TaskTool {
			return nil
		}
		spawn, ok := parseSpawnResult(e.Result)
		if !ok {
			logger.WithContext(ctx).Debug("task tool result carries no task id", "tool_call_id", e.ToolCallID)
			return nil
		}
		_, err := m.SpawnTask(mn.ID, spawn.TaskID, spawn.Title, spawn.Running)
		if errors.Is(err, task.ErrTaskExists) {
			return nil
		}
		return err

	case *event.ToolCallStart:
		if e.ToolName != m.cfg.ReportTool {
			return nil
		}
		if err := m.tracker.AcceptReport(ctx, mn.ID); err != nil {
			logger.WithContext(ctx).Info("task report rejected", "error", err)
			return err
		}
		logger.WithContext(ctx).Info("task reported")
	}
	return nil
}

func (m *Manager) toolName(mn *Minion, messageID, callID, fromEvent string) string {
	if fromEvent != "" {
		return fromEvent
	}
	msg, ok := mn.aggregator.Message(messageID)
	if !ok {
		return ""
	}
	part, _ := msg.ToolCall(callID)
	return part.ToolName
}

type spawnResult struct {
	TaskID  string `json:"taskId"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Running bool   `json:"-"`
}

func parseSpawnResult(result any) (spawnResult, bool) {
	var r spawnResult
	switch v := result.(type) {
	case nil:
		return r, false
	case string:
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return r, false
		}
	default:
		data, err := json.Marshal(v)
		if err != nil || json.Unmarshal(data, &r) != nil {
			return r, false
		}
	}
	r.Running = r.Status == string(task.StatusRunning)
	return r, r.TaskID != ""
}

// SpawnTask registers childID as a task spawned by parentID at the next depth
func (m *Manager) SpawnTask(parentID, childID, title string, running bool) (task.Task, error) {
	parent, ok := m.tracker.Get(parentID)
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, parentID)
	}
	opts := []task.SpawnOption{task.WithDisplayName(title)}
	if running {
		opts = append(opts, task.WithInitialStatus(task.StatusRunning))
	}
	return m.tracker.RegisterSpawn(parentID, childID, parent.Depth+1, opts...)
}

func (m *Manager) restoreToInput(mn *Minion, raw event.Raw) {
	if _, editing := mn.getEdit(); editing {
		return
	}
	text, _ := raw["text"].(string)
	mn.setEdit(compaction.EditState{Text: text})
}

func messageID(p event.Payload) string {
	switch e := p.(type) {
	case *event.StreamStart:
		return e.MessageID
	case *event.StreamDelta:
		return e.MessageID
	case *event.StreamEnd:
		return e.MessageID
	case *event.StreamAbort:
		return e.MessageID
	case *event.StreamError:
		return e.MessageID
	case *event.ToolCallStart:
		return e.MessageID
	case *event.ToolCallDelta:
		return e.MessageID
	case *event.ToolCallEnd:
		return e.MessageID
	case *event.ReasoningDelta:
		return e.MessageID
	case *event.ReasoningEnd:
		return e.MessageID
	case *event.UsageDelta:
		return e.MessageID
	case *event.DeleteMessage:
		return e.MessageID
	}
	return ""
}

// Snapshot returns a deep copy of the minion's conversation
func (m *Manager) Snapshot(ctx context.Context, minionID string) (conversation.Snapshot, error) {
	mn, err := m.Get(ctx, minionID)
	if err != nil {
		return conversation.Snapshot{}, err
	}
	m.locks.RLock(minionID)
	defer m.locks.RUnlock(minionID)
	return mn.aggregator.Snapshot(), nil
}

// Messages returns the minion's history. providerSlice cuts it at the most
// recent compaction boundary.
func (m *Manager) Messages(ctx context.Context, minionID string, providerSlice bool) ([]conversation.Message, error) {
	mn, err := m.Get(ctx, minionID)
	if err != nil {
		return nil, err
	}
	m.locks.RLock(minionID)
	msgs := mn.aggregator.Messages()
	m.locks.RUnlock(minionID)

	if providerSlice {
		return compaction.ContextSlice(msgs), nil
	}
	return msgs, nil
}

// EventsSince returns buffered events after index
func (m *Manager) EventsSince(minionID string, index int) ([]*BufferedEvent, error) {
	mn, ok := m.Lookup(minionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMinionNotFound, minionID)
	}
	return mn.events.After(index)
}

// Subscribe routes the minion's notifications to n until the returned
// function is called.
func (m *Manager) Subscribe(ctx context.Context, minionID string, n Notifier) (func(), error) {
	mn, err := m.Get(ctx, minionID)
	if err != nil {
		return nil, err
	}
	mn.setNotifier(n)
	return func() { mn.setNotifier(nil) }, nil
}

// Dispose tears down a minion's in-memory state. Its scrollbacks get a
// best-effort final flush that Dispose does not wait for. The store and any
// interrupt handler are untouched, so the minion can be rebuilt later.
func (m *Manager) Dispose(minionID string) {
	// Waits for an in-flight Apply. The lock itself outlives the minion so
	// holders never unlock a different mutex.
	m.locks.Lock(minionID)
	m.mu.Lock()
	mn, ok := m.minions[minionID]
	if ok {
		delete(m.minions, minionID)
		mn.markDisposed()
	}
	count := len(m.minions)
	m.mu.Unlock()
	m.locks.Unlock(minionID)

	if !ok {
		return
	}
	mn.closeScrollbacks()
	metrics.SetActiveMinions(float64(count))
	logger.Info("Minion disposed: %s", minionID)
}

// AttachScrollback starts buffering output of processID on behalf of the
// minion. The scrollback is closed when the minion is disposed.
func (m *Manager) AttachScrollback(ctx context.Context, minionID, processID string) (*process.Scrollback, error) {
	if m.sink == nil {
		return nil, errors.New("no scrollback sink configured")
	}
	mn, err := m.Get(ctx, minionID)
	if err != nil {
		return nil, err
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if mn.disposed {
		return nil, fmt.Errorf("%w: %s", ErrMinionDisposed, minionID)
	}
	if sb, ok := mn.scrollbacks[processID]; ok {
		return sb, nil
	}
	sb := process.NewScrollback(processID, m.sink, m.cfg.ScrollbackFlushInterval)
	mn.scrollbacks[processID] = sb
	return sb, nil
}

// DetachScrollback closes one scrollback of the minion, scheduling its final
// flush. It reports whether the scrollback was attached.
func (m *Manager) DetachScrollback(minionID, processID string) bool {
	mn, ok := m.Lookup(minionID)
	if !ok {
		return false
	}
	mn.mu.Lock()
	sb, ok := mn.scrollbacks[processID]
	delete(mn.scrollbacks, processID)
	mn.mu.Unlock()
	if ok {
		sb.Close()
	}
	return ok
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.cleanupIdle(now)
		}
	}
}

// cleanupIdle disposes minions idle longer than the idle timeout that have
// no active stream.
func (m *Manager) cleanupIdle(now time.Time) int {
	var idle []string
	for _, mn := range m.list() {
		if now.Sub(mn.LastActivity()) <= m.cfg.IdleTimeout {
			continue
		}
		m.locks.RLock(mn.ID)
		streaming := len(mn.aggregator.ActiveStreams()) > 0
		m.locks.RUnlock(mn.ID)
		if !streaming {
			idle = append(idle, mn.ID)
		}
	}

	if len(idle) > 0 {
		logger.Info("Cleaning up %d idle minions", len(idle))
	}
	for _, id := range idle {
		m.Dispose(id)
	}
	return len(idle)
}

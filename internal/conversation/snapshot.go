package conversation

import (
	"sort"

	"github.com/HyphaGroup/lattice/internal/event"
)

// Snapshot is a deep copy of a conversation at one point in its event
// sequence.
type Snapshot struct {
	MinionID  string        `json:"minionId"`
	Messages  []Message     `json:"messages"`
	Usage     event.Usage   `json:"usage"`
	Status    RuntimeStatus `json:"status"`
	Init      InitState     `json:"init"`
	Streaming []string      `json:"streaming,omitempty"`
}

// Messages returns copies of all messages in chronological order
func (a *Aggregator) Messages() []Message {
	out := make([]Message, len(a.messages))
	for i, m := range a.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a copy of the message with id
func (a *Aggregator) Message(id string) (Message, bool) {
	m := a.lookup(id)
	if m == nil {
		return Message{}, false
	}
	return m.Clone(), true
}

// Len returns the number of messages
func (a *Aggregator) Len() int { return len(a.messages) }

// IsStreaming reports whether id has an active stream
func (a *Aggregator) IsStreaming(id string) bool {
	_, ok := a.streams[id]
	return ok
}

// ActiveStreams returns the ids of messages being streamed, sorted
func (a *Aggregator) ActiveStreams() []string {
	ids := make([]string, 0, len(a.streams))
	for id := range a.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Usage returns the conversation-wide usage totals
func (a *Aggregator) Usage() event.Usage { return a.usage }

func (a *Aggregator) Status() RuntimeStatus { return a.status }

func (a *Aggregator) Init() InitState { return a.initState.clone() }

func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		MinionID:  a.minionID,
		Messages:  a.Messages(),
		Usage:     a.usage,
		Status:    a.status,
		Init:      a.initState.clone(),
		Streaming: a.ActiveStreams(),
	}
}

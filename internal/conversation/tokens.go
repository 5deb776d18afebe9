package conversation

import (
	"sync"
	"time"
)

// TokenState is the transient streaming counter for one message. Its
// presence is what readers use to show an in-progress indicator.
type TokenState struct {
	Tokens    int
	StartedAt time.Time
	UpdatedAt time.Time
}

// TokensPerSecond is the observed streaming rate
func (s TokenState) TokensPerSecond() float64 {
	elapsed := s.UpdatedAt.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Tokens) / elapsed
}

// TokenStore keeps per-message token state for one conversation. It is
// passed explicitly to the Aggregator that writes it and to any reader.
type TokenStore interface {
	Begin(messageID string, at time.Time)
	Add(messageID string, tokens int, at time.Time)
	Get(messageID string) (TokenState, bool)
	Clear(messageID string)
}

// MemoryTokenStore is the default TokenStore. Readers may call Get from
// any goroutine while the aggregator writes.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	states map[string]TokenState
}

func NewTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{states: make(map[string]TokenState)}
}

func (s *MemoryTokenStore) Begin(messageID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[messageID] = TokenState{StartedAt: at, UpdatedAt: at}
}

// Add accumulates tokens; a message with no prior Begin starts at the
// first Add.
func (s *MemoryTokenStore) Add(messageID string, tokens int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[messageID]
	if !ok {
		st.StartedAt = at
	}
	st.Tokens += tokens
	st.UpdatedAt = at
	s.states[messageID] = st
}

func (s *MemoryTokenStore) Get(messageID string) (TokenState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[messageID]
	return st, ok
}

func (s *MemoryTokenStore) Clear(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, messageID)
}

// Len returns how many messages currently hold token state
func (s *MemoryTokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

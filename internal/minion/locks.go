package minion

import (
	"sync"
)

// MinionLockMap provides a per-minion RWMutex. Every mutation of a minion's
// aggregator happens under its write lock, so events for one minion are
// applied one at a time while distinct minions never contend.
type MinionLockMap struct {
	locks sync.Map // minionID -> *sync.RWMutex
}

func NewMinionLockMap() *MinionLockMap {
	return &MinionLockMap{}
}

func (m *MinionLockMap) getOrCreateLock(minionID string) *sync.RWMutex {
	lock, _ := m.locks.LoadOrStore(minionID, &sync.RWMutex{})
	rwMutex, _ := lock.(*sync.RWMutex)
	return rwMutex
}

func (m *MinionLockMap) Lock(minionID string) {
	m.getOrCreateLock(minionID).Lock()
}

func (m *MinionLockMap) Unlock(minionID string) {
	m.getOrCreateLock(minionID).Unlock()
}

func (m *MinionLockMap) RLock(minionID string) {
	m.getOrCreateLock(minionID).RLock()
}

func (m *MinionLockMap) RUnlock(minionID string) {
	m.getOrCreateLock(minionID).RUnlock()
}

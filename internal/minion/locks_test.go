package minion

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMinionLockMap_DifferentMinions(t *testing.T) {
	locks := NewMinionLockMap()

	locks.Lock("minion-1")
	locks.Lock("minion-2")

	locks.Unlock("minion-1")
	locks.Unlock("minion-2")
}

func TestMinionLockMap_ConcurrentReaders(t *testing.T) {
	locks := NewMinionLockMap()
	var wg sync.WaitGroup
	var active, peak atomic.Int32

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.RLock("minion-1")
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			locks.RUnlock("minion-1")
		}()
	}
	wg.Wait()

	if peak.Load() < 2 {
		t.Errorf("peak readers = %d, want concurrent readers", peak.Load())
	}
}

func TestMinionLockMap_WriterExcludes(t *testing.T) {
	locks := NewMinionLockMap()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("minion-1")
			counter++
			locks.Unlock("minion-1")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestMinionLockMap_SameLockPerID(t *testing.T) {
	locks := NewMinionLockMap()
	if locks.getOrCreateLock("minion-1") != locks.getOrCreateLock("minion-1") {
		t.Error("expected the same lock for one id")
	}
	if locks.getOrCreateLock("minion-1") == locks.getOrCreateLock("minion-2") {
		t.Error("expected distinct locks for distinct ids")
	}
}

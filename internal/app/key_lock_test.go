package app

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("token|base|0x1")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside.Load())
	}
	if k.Len() != 0 {
		t.Errorf("expected lock table empty, got %d", k.Len())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b") // must not block
	if k.Len() != 2 {
		t.Errorf("expected 2 keys held, got %d", k.Len())
	}
	unlockA()
	unlockB()
	if k.Len() != 0 {
		t.Errorf("expected 0 keys, got %d", k.Len())
	}
}

func TestKeyedMutex_UnlockIdempotent(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	unlock()

	// Would deadlock or panic if the second unlock released again.
	unlock = k.Lock("a")
	unlock()
}

package syncutil

import (
	"sync"
	"testing"
	"time"
)

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("0xagreement")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50, got %d (race under the same key)", counter)
	}
}

func TestShardedMutex_SameKeySameShard(t *testing.T) {
	var m ShardedMutex
	if m.shard("0xabc") != m.shard("0xabc") {
		t.Fatal("same key must map to the same shard")
	}
}

func TestShardedMutex_UnlockAllowsNext(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("k")

	acquired := make(chan struct{})
	go func() {
		u := m.Lock("k")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock should block while the first is held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock did not acquire after unlock")
	}
}

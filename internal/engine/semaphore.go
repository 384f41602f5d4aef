package engine

import (
	"context"
	"sync"
)

// semaphore is a counted permit set with context-aware acquisition.
type semaphore struct {
	slots chan struct{}
}

func newSemaphore(n int) *semaphore {
	return &semaphore{slots: make(chan struct{}, n)}
}

func (s *semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) Release() {
	<-s.slots
}

// comboSemaphores hands out one per-combo semaphore per (ip, channel) key,
// created lazily. Entries are never removed: the set of cameras is small and
// stable, and a permanent entry keeps permit identity stable across reruns.
type comboSemaphores struct {
	mu    sync.Mutex
	size  int
	combo map[string]*semaphore
}

func newComboSemaphores(size int) *comboSemaphores {
	return &comboSemaphores{
		size:  size,
		combo: make(map[string]*semaphore),
	}
}

func (c *comboSemaphores) Get(key string) *semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.combo[key]
	if !ok {
		sem = newSemaphore(c.size)
		c.combo[key] = sem
	}
	return sem
}

package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// KeyedLocker is an in-process exclusive lock per id with a bounded wait.
// Entries are reference counted and dropped once nobody holds or waits.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*keyedEntry
	wait    time.Duration
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyedLocker(wait time.Duration) *KeyedLocker {
	return &KeyedLocker{
		entries: make(map[uuid.UUID]*keyedEntry),
		wait:    wait,
	}
}

// WithSlotLock satisfies SlotLocker for single-replica deployments.
func (l *KeyedLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, slotID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Acquire blocks until id is free or the wait elapses, in which case it
// returns ErrSlotBusy. The returned func must be called exactly once.
func (l *KeyedLocker) Acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(id, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrSlotBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(id, e)
		})
	}, nil
}

func (l *KeyedLocker) unref(id uuid.UUID, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"posledger/backend/internal/store"
)

// rowLocks hands out one exclusive lock per row key. Each lock is a channel
// with a single slot: sending acquires, receiving releases. A slot is counted
// by its holder and waiters and dropped once none remain, so the table only
// holds rows that are in use.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]*lockSlot)}
}

func (l *rowLocks) join(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *rowLocks) leave(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 && l.slots[key] == slot {
		delete(l.slots, key)
	}
}

func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	slot := l.join(key)

	select {
	case slot.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.leave(key, slot)
		return fmt.Errorf("%w: %s after %s", store.ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		l.leave(key, slot)
		return fmt.Errorf("%w: %s: %v", store.ErrLockTimeout, key, ctx.Err())
	}
}

func (l *rowLocks) release(key string) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-slot.ch
	l.leave(key, slot)
}

func (l *rowLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }
func saleKey(id int64) string    { return fmt.Sprintf("sale:%d", id) }
func memberKey(id int64) string  { return fmt.Sprintf("member:%d", id) }
func tokenKey(key string) string { return "idem:" + key }

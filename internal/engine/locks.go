// ABOUTME: Per-conversation lock table serializing turns within one conversation
// ABOUTME: Entries carry a waiter count so eviction never drops a lock in use

package engine

import "sync"

// conversationLock is one table entry. waiters counts goroutines holding or
// queued for the mutex, which keeps evict from removing an entry someone
// still depends on.
type conversationLock struct {
	mu      sync.Mutex
	waiters int
}

// lockTable hands out per-conversation mutexes. Turns for one conversation
// serialize; distinct conversations proceed fully in parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*conversationLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*conversationLock)}
}

// acquire blocks until the caller holds the conversation's lock. The
// returned release function must be called exactly once; extra calls are
// no-ops.
func (t *lockTable) acquire(conversationID string) (release func()) {
	t.mu.Lock()
	entry, ok := t.locks[conversationID]
	if !ok {
		entry = &conversationLock{}
		t.locks[conversationID] = entry
	}
	entry.waiters++
	t.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock before decrementing: waiters must stay nonzero for as
			// long as the mutex is held, or evict could remove a held entry.
			entry.mu.Unlock()
			t.mu.Lock()
			entry.waiters--
			t.mu.Unlock()
		})
	}
}

// evict removes the table entry for a conversation that reached a terminal
// status. Skipped when anyone still holds or waits on the lock; the entry
// is then retried on a later evict or recreated by the next acquire.
func (t *lockTable) evict(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.locks[conversationID]; ok && entry.waiters == 0 {
		delete(t.locks, conversationID)
	}
}

// size returns the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

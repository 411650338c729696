package sync

import (
	"sync"

	"worker_server/core/port/out"
)

// InProcessLock is the process-wide MessageLock guarding against a message
// being picked up twice by concurrent Mailbox Sync Worker goroutines within
// the same process (spec §4.9 step 5a). It is not durable and is not a
// substitute for the ProcessedEmail unique constraint, only a short-lived
// guard against the window between dequeue and that row being written.
type InProcessLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ out.MessageLock = (*InProcessLock)(nil)

func NewInProcessLock() *InProcessLock {
	return &InProcessLock{held: make(map[string]struct{})}
}

func (l *InProcessLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *InProcessLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

package out

// MessageLock is the process-wide, in-memory lock set guarding against a
// message being processed twice by concurrent workers within the same
// process (spec §5, §9). It is allocated once at startup and shared by
// every Mailbox Sync Worker goroutine; it is not a substitute for the
// durable ProcessedEmailRepository marker, only a short-lived guard against
// the window between dequeue and that marker being written.
type MessageLock interface {
	// TryAcquire returns true if key was not already held, locking it.
	TryAcquire(key string) bool
	Release(key string)
}

package stm

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxReaders is the weight of a write acquisition. Readers take one unit each.
const maxReaders = 1 << 30

// rwLock is a read/write lock whose write side can be acquired with a deadline.
// The semaphore queues acquirers in order, so a waiting writer holds back later readers.
type rwLock struct {
	sem *semaphore.Weighted
}

func newRWLock() *rwLock {
	return &rwLock{sem: semaphore.NewWeighted(maxReaders)}
}

func (l *rwLock) RLock() {
	// Acquire only fails on a done context.
	_ = l.sem.Acquire(context.Background(), 1)
}

func (l *rwLock) RUnlock() {
	l.sem.Release(1)
}

// TryLock acquires the write side, giving up after timeout.
func (l *rwLock) TryLock(timeout time.Duration) bool {
	if l.sem.TryAcquire(maxReaders) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, maxReaders) == nil
}

func (l *rwLock) Unlock() {
	l.sem.Release(maxReaders)
}

// Lock acquires the write side without a deadline.
func (l *rwLock) Lock() {
	_ = l.sem.Acquire(context.Background(), maxReaders)
}

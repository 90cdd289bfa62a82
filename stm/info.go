package stm

import (
	"sync"

	"go.uber.org/atomic"
)

// Status is the state of one transaction attempt.
type Status int32

const (
	StatusRunning Status = iota
	StatusCommitting
	StatusRetry
	StatusKilled
	StatusCommitted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCommitting:
		return "committing"
	case StatusRetry:
		return "retry"
	case StatusKilled:
		return "killed"
	case StatusCommitted:
		return "committed"
	}
	return "unknown"
}

// Info is shared between an attempt and every ref that records the attempt as its writer.
// The done channel is closed once, when the attempt stops or is killed by a barge.
type Info struct {
	status     atomic.Int32
	startPoint uint64

	done     chan struct{}
	doneOnce sync.Once
}

func newInfo(status Status, startPoint uint64) *Info {
	info := &Info{
		startPoint: startPoint,
		done:       make(chan struct{}),
	}
	info.status.Store(int32(status))
	return info
}

// Status returns the current status.
func (i *Info) Status() Status {
	return Status(i.status.Load())
}

// StartPoint returns the start point of the owning transaction.
func (i *Info) StartPoint() uint64 {
	return i.startPoint
}

// Running reports whether the attempt is RUNNING or COMMITTING.
func (i *Info) Running() bool {
	s := i.Status()
	return s == StatusRunning || s == StatusCommitting
}

// Done is closed when the attempt is over.
func (i *Info) Done() <-chan struct{} {
	return i.done
}

func (i *Info) cas(from, to Status) bool {
	return i.status.CompareAndSwap(int32(from), int32(to))
}

func (i *Info) release() {
	i.doneOnce.Do(func() { close(i.done) })
}

// finish sets the final status, then releases waiters.
func (i *Info) finish(status Status) {
	i.status.Store(int32(status))
	i.release()
}

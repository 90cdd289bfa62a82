package stm

import (
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinystm/util/worker"
	"go.uber.org/zap"
)

// Action is a side effect queued inside a transaction and run after it commits.
type Action func()

// Executor runs committed actions outside any transaction.
type Executor interface {
	Execute(a Action)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(a Action)

func (f ExecutorFunc) Execute(a Action) {
	f(a)
}

// workerExecutor feeds actions to a background worker. Actions run one at a time in
// hand-off order. Execute never blocks: actions that don't fit in the worker queue wait
// in pending and are moved over by the worker as it drains the queue.
type workerExecutor struct {
	logger *zap.Logger
	w      *worker.Worker
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []worker.Task
	closed  bool
}

func newWorkerExecutor(logger *zap.Logger, capacity int) *workerExecutor {
	e := &workerExecutor{logger: logger}
	e.w = worker.NewWorker("stm-actions", capacity, &e.wg)
	e.w.Start(e)
	return e
}

func (e *workerExecutor) Execute(a Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		actionDroppedCounter.Inc()
		e.logger.Warn("action dropped, executor closed", zap.String("worker", e.w.Name()))
		return
	}
	e.pending = append(e.pending, a)
	e.flushLocked()
}

// flushLocked moves pending tasks into the worker queue until it is full.
func (e *workerExecutor) flushLocked() {
	for len(e.pending) > 0 {
		select {
		case e.w.Sender() <- e.pending[0]:
			e.pending[0] = nil
			e.pending = e.pending[1:]
		default:
			return
		}
	}
	e.pending = nil
}

func (e *workerExecutor) flush() {
	e.mu.Lock()
	e.flushLocked()
	e.mu.Unlock()
}

// Handle implements worker.TaskHandler.
func (e *workerExecutor) Handle(t worker.Task) {
	// the slot just freed takes the next pending task
	defer e.flush()
	a, ok := t.(Action)
	if !ok {
		e.logger.Error("unexpected task", zap.String("worker", e.w.Name()), zap.String("type", fmt.Sprintf("%T", t)))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			actionPanicCounter.Inc()
			e.logger.Warn("action panicked", zap.String("worker", e.w.Name()), zap.Reflect("panic", r), zap.Stack("stack"))
		}
	}()
	a()
}

// stop runs every action handed off so far, then waits for the worker to exit. Actions
// handed off after stop are dropped.
func (e *workerExecutor) stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.pending = append(e.pending, worker.TaskStop{})
	e.flushLocked()
	e.mu.Unlock()
	e.wg.Wait()
}

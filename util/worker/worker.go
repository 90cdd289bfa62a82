package worker

import "sync"

// TaskStop ends the worker loop once every task queued before it has been handled.
type TaskStop struct{}

type Task interface{}

// Worker runs a handler over tasks sent on a bounded channel, one at a time, in send order.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

// TaskHandlerFunc adapts a function to a TaskHandler.
type TaskHandlerFunc func(t Task)

func (f TaskHandlerFunc) Handle(t Task) {
	f(t)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

const DefaultCapacity = 128

// NewWorker creates a worker whose queue holds capacity tasks. A non-positive capacity
// means DefaultCapacity.
func NewWorker(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}

package stm

// Event names a point in the transaction lifecycle.
type Event string

const (
	// EventOnAbort fires when an attempt fails, whether it will be retried or not.
	EventOnAbort Event = "on-abort"
	// EventOnCommit fires after validation, before the commit point is taken.
	// Listeners receive the touched refs as their first argument. They run while the
	// transaction holds its write locks, so they must not Deref those refs; Txn.Get
	// returns their new values.
	EventOnCommit Event = "on-commit"
	// EventAfterCommit fires once the new values are visible and locks are released.
	EventAfterCommit Event = "after-commit"
)

// EventFunc is a lifecycle listener callback.
type EventFunc func(args ...interface{}) interface{}

// EventFn is a deferred call of an EventFunc with fixed arguments.
type EventFn struct {
	fn             EventFunc
	args           []interface{}
	deleteAfterRun bool
}

// NewEventFn records fn and args for a later call. deleteAfterRun marks a one-shot listener.
func NewEventFn(fn EventFunc, args []interface{}, deleteAfterRun bool) *EventFn {
	return &EventFn{fn: fn, args: args, deleteAfterRun: deleteAfterRun}
}

// Run calls the recorded function with the recorded arguments.
func (e *EventFn) Run() interface{} {
	return e.fn(e.args...)
}

// RunWith calls the recorded function with payload in front of the recorded arguments.
func (e *EventFn) RunWith(payload interface{}) interface{} {
	args := make([]interface{}, 0, len(e.args)+1)
	args = append(args, payload)
	args = append(args, e.args...)
	return e.fn(args...)
}

// DeleteAfterRun reports whether the listener should be pruned after it fires.
func (e *EventFn) DeleteAfterRun() bool {
	return e.deleteAfterRun
}

// Listeners maps lifecycle events to their listeners in registration order.
type Listeners map[Event][]*EventFn

// EventDispatcher invokes the listeners registered for an event.
type EventDispatcher interface {
	Dispatch(event Event, listeners Listeners, payload interface{})
}

type defaultDispatcher struct{}

// DefaultDispatcher runs listeners in registration order and prunes one-shot listeners.
// A nil payload runs listeners with their own arguments only.
var DefaultDispatcher EventDispatcher = defaultDispatcher{}

func (defaultDispatcher) Dispatch(event Event, listeners Listeners, payload interface{}) {
	fns := listeners[event]
	if len(fns) == 0 {
		return
	}
	kept := fns[:0]
	for _, fn := range fns {
		if payload != nil {
			fn.RunWith(payload)
		} else {
			fn.Run()
		}
		if !fn.DeleteAfterRun() {
			kept = append(kept, fn)
		}
	}
	if len(kept) == 0 {
		delete(listeners, event)
		return
	}
	listeners[event] = kept
}

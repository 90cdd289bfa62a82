package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventFn(t *testing.T) {
	sum := func(args ...interface{}) interface{} {
		n := 0
		for _, a := range args {
			n += a.(int)
		}
		return n
	}
	e := NewEventFn(sum, []interface{}{1, 2}, true)
	assert.Equal(t, 3, e.Run())
	assert.Equal(t, 13, e.RunWith(10))
	assert.True(t, e.DeleteAfterRun())
	assert.False(t, NewEventFn(sum, nil, false).DeleteAfterRun())
	assert.Equal(t, 0, NewEventFn(sum, nil, false).Run())
}

func TestDefaultDispatcher(t *testing.T) {
	var calls []string
	record := func(args ...interface{}) interface{} {
		calls = append(calls, args[len(args)-1].(string))
		return nil
	}
	listeners := Listeners{
		EventOnCommit: {
			NewEventFn(record, []interface{}{"once"}, true),
			NewEventFn(record, []interface{}{"always"}, false),
		},
		EventOnAbort: {
			NewEventFn(record, []interface{}{"abort"}, true),
		},
	}

	DefaultDispatcher.Dispatch(EventOnCommit, listeners, nil)
	assert.Equal(t, []string{"once", "always"}, calls)
	assert.Len(t, listeners[EventOnCommit], 1)

	DefaultDispatcher.Dispatch(EventOnCommit, listeners, "payload")
	assert.Equal(t, []string{"once", "always", "always"}, calls)

	DefaultDispatcher.Dispatch(EventOnAbort, listeners, nil)
	_, ok := listeners[EventOnAbort]
	assert.False(t, ok)

	// nothing registered
	DefaultDispatcher.Dispatch(EventAfterCommit, listeners, nil)
	assert.Len(t, calls, 4)
}

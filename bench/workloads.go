package bench

import (
	"context"
	"math/rand"

	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

func init() {
	RegisterWorkload("transfer", func() Workload { return &transferWorkload{accounts: 16, initial: 1000} })
	RegisterWorkload("counter", func() Workload { return &counterWorkload{} })
	RegisterWorkload("commute", func() Workload { return &commuteWorkload{} })
	RegisterWorkload("queue", func() Workload { return &queueWorkload{} })
}

func addInt(v interface{}, args ...interface{}) interface{} {
	return v.(int) + args[0].(int)
}

// transferWorkload moves money between accounts. The total never changes.
type transferWorkload struct {
	m        *stm.Manager
	accounts int
	initial  int
	refs     []*stm.Ref
}

func (w *transferWorkload) Init(m *stm.Manager, threads int) error {
	w.m = m
	nonNegative := func(v interface{}) error {
		if v.(int) < 0 {
			return errors.New("negative balance")
		}
		return nil
	}
	for i := 0; i < w.accounts; i++ {
		r, err := m.NewRef(w.initial, stm.WithValidator(nonNegative))
		if err != nil {
			return err
		}
		w.refs = append(w.refs, r)
	}
	return nil
}

func (w *transferWorkload) Do(ctx context.Context, threadID int, seq int, r *rand.Rand) (string, int, error) {
	from := w.refs[r.Intn(len(w.refs))]
	to := w.refs[r.Intn(len(w.refs))]
	amount := 1 + r.Intn(100)
	op := "transfer"
	_, attempts, err := run(ctx, w.m, func(tx *stm.Txn) (interface{}, error) {
		op = "transfer"
		balance, err := tx.Get(from)
		if err != nil {
			return nil, err
		}
		if balance.(int) < amount {
			op = "transfer-abort"
			return nil, tx.Abort()
		}
		if _, err := tx.Alter(from, addInt, -amount); err != nil {
			return nil, err
		}
		return tx.Alter(to, addInt, amount)
	})
	return op, attempts, err
}

func (w *transferWorkload) Verify() error {
	total := 0
	for _, r := range w.refs {
		total += r.Deref().(int)
	}
	if expected := w.accounts * w.initial; total != expected {
		return errors.Errorf("total balance %d, expected %d", total, expected)
	}
	return nil
}

// counterWorkload increments one hot ref with read-then-write transactions.
type counterWorkload struct {
	m       *stm.Manager
	counter *stm.Ref
	done    atomic.Int64
}

func (w *counterWorkload) Init(m *stm.Manager, threads int) error {
	w.m = m
	var err error
	w.counter, err = m.NewRef(0)
	return err
}

func (w *counterWorkload) Do(ctx context.Context, threadID int, seq int, r *rand.Rand) (string, int, error) {
	_, attempts, err := run(ctx, w.m, func(tx *stm.Txn) (interface{}, error) {
		v, err := tx.Get(w.counter)
		if err != nil {
			return nil, err
		}
		return nil, tx.Set(w.counter, v.(int)+1)
	})
	if err == nil {
		w.done.Inc()
	}
	return "increment", attempts, err
}

func (w *counterWorkload) Verify() error {
	if v, done := w.counter.Deref().(int), w.done.Load(); int64(v) != done {
		return errors.Errorf("counter is %d after %d increments", v, done)
	}
	return nil
}

// commuteWorkload increments one hot ref with commutes, which never conflict.
type commuteWorkload struct {
	m       *stm.Manager
	counter *stm.Ref
	done    atomic.Int64
}

func (w *commuteWorkload) Init(m *stm.Manager, threads int) error {
	w.m = m
	var err error
	w.counter, err = m.NewRef(0)
	return err
}

func (w *commuteWorkload) Do(ctx context.Context, threadID int, seq int, r *rand.Rand) (string, int, error) {
	_, attempts, err := run(ctx, w.m, func(tx *stm.Txn) (interface{}, error) {
		return tx.Commute(w.counter, addInt, 1)
	})
	if err == nil {
		w.done.Inc()
	}
	return "commute", attempts, err
}

func (w *commuteWorkload) Verify() error {
	if v, done := w.counter.Deref().(int), w.done.Load(); int64(v) != done {
		return errors.Errorf("counter is %d after %d commutes", v, done)
	}
	return nil
}

// queueWorkload alternates between pushing to one of two queues and popping from
// whichever is non-empty, blocking while both are empty. Every thread pushes before it
// pops, so a popper never waits forever.
type queueWorkload struct {
	m         *stm.Manager
	queues    [2]*stm.Ref
	pushed    atomic.Int64
	popped    atomic.Int64
	pushSum   atomic.Int64
	poppedSum atomic.Int64
}

func (w *queueWorkload) Init(m *stm.Manager, threads int) error {
	w.m = m
	for i := range w.queues {
		q, err := m.NewRef([]int(nil))
		if err != nil {
			return err
		}
		w.queues[i] = q
	}
	return nil
}

func (w *queueWorkload) push(q *stm.Ref, item int) stm.Func {
	return func(tx *stm.Txn) (interface{}, error) {
		v, err := tx.Get(q)
		if err != nil {
			return nil, err
		}
		items := v.([]int)
		next := make([]int, len(items), len(items)+1)
		copy(next, items)
		return nil, tx.Set(q, append(next, item))
	}
}

func (w *queueWorkload) pop(q *stm.Ref) stm.Func {
	return func(tx *stm.Txn) (interface{}, error) {
		v, err := tx.Get(q)
		if err != nil {
			return nil, err
		}
		items := v.([]int)
		if len(items) == 0 {
			return nil, tx.Block(stm.WaitAny, q)
		}
		if err := tx.Set(q, items[1:]); err != nil {
			return nil, err
		}
		return items[0], nil
	}
}

func (w *queueWorkload) Do(ctx context.Context, threadID int, seq int, r *rand.Rand) (string, int, error) {
	if seq%2 == 0 {
		item := 1 + r.Intn(1000)
		_, attempts, err := run(ctx, w.m, w.push(w.queues[r.Intn(2)], item))
		if err == nil {
			w.pushed.Inc()
			w.pushSum.Add(int64(item))
		}
		return "push", attempts, err
	}
	v, attempts, err := run(ctx, w.m, func(tx *stm.Txn) (interface{}, error) {
		return tx.OrElse(w.pop(w.queues[0]), w.pop(w.queues[1]))
	})
	if err == nil {
		w.popped.Inc()
		w.poppedSum.Add(int64(v.(int)))
	}
	return "pop", attempts, err
}

func (w *queueWorkload) Verify() error {
	left, leftSum := 0, int64(0)
	for _, q := range w.queues {
		for _, item := range q.Deref().([]int) {
			left++
			leftSum += int64(item)
		}
	}
	if pushed, popped := w.pushed.Load(), w.popped.Load(); pushed-popped != int64(left) {
		return errors.Errorf("pushed %d, popped %d, but %d items are queued", pushed, popped, left)
	}
	if sum := w.poppedSum.Load() + leftSum; sum != w.pushSum.Load() {
		return errors.Errorf("items sum to %d, expected %d", sum, w.pushSum.Load())
	}
	return nil
}

package stm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	return newTestManagerWithConfig(t, config.NewTestConfig(), opts...)
}

func newTestManagerWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	m, err := NewManager(cfg, opts...)
	require.Nil(t, err)
	t.Cleanup(m.Close)
	return m
}

func mustRef(t *testing.T, m *Manager, v interface{}, opts ...RefOption) *Ref {
	r, err := m.NewRef(v, opts...)
	require.Nil(t, err)
	return r
}

func add(v interface{}, args ...interface{}) interface{} {
	n := v.(int)
	for _, a := range args {
		n += a.(int)
	}
	return n
}

func set(m *Manager, r *Ref, v interface{}) error {
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		return nil, tx.Set(r, v)
	})
	return err
}

func TestSnapshotIsolation(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0, WithMinHistory(3))

	var seen []interface{}
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		if len(seen) == 0 {
			// commits after our read point
			require.Nil(t, set(m, r, 1))
		}
		v, err := tx.Get(r)
		if err != nil {
			return nil, err
		}
		seen = append(seen, v)
		return v, nil
	})
	require.Nil(t, err)
	assert.Equal(t, []interface{}{0}, seen)
	assert.Equal(t, 1, r.Deref())
	assert.Equal(t, 2, r.HistoryCount())
}

func TestGetFaultGrowsHistory(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)
	assert.Equal(t, 1, r.HistoryCount())

	attempts := 0
	v, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		attempts++
		if attempts == 1 {
			require.Nil(t, set(m, r, 1))
		}
		return tx.Get(r)
	})
	require.Nil(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int32(1), r.faults.Load())

	require.Nil(t, set(m, r, 2))
	assert.Equal(t, 2, r.HistoryCount())
	assert.Equal(t, int32(0), r.faults.Load())

	// without faults the oldest snapshot is recycled
	require.Nil(t, set(m, r, 3))
	assert.Equal(t, 2, r.HistoryCount())

	r.TrimHistory()
	assert.Equal(t, 1, r.HistoryCount())
	assert.Equal(t, 3, r.Deref())
}

func TestAtomicCommit(t *testing.T) {
	m := newTestManager(t)
	x := mustRef(t, m, 0)
	y := mustRef(t, m, 0, WithValidator(func(v interface{}) error {
		if v.(int) < 0 {
			return errors.New("negative")
		}
		return nil
	}))
	xPoint, yPoint := x.currentPoint(), y.currentPoint()

	aborted := 0
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		require.Nil(t, tx.AddListener(EventOnAbort, func(args ...interface{}) interface{} {
			aborted++
			return nil
		}, nil, true))
		if err := tx.Set(x, 1); err != nil {
			return nil, err
		}
		return nil, tx.Set(y, -1)
	})
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	assert.Equal(t, 1, aborted)
	assert.Equal(t, 0, x.Deref())
	assert.Equal(t, 0, y.Deref())
	assert.Equal(t, xPoint, x.currentPoint())
	assert.Equal(t, yPoint, y.currentPoint())

	// both refs move to the same commit point
	_, err = m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		if err := tx.Set(x, 2); err != nil {
			return nil, err
		}
		return nil, tx.Set(y, 2)
	})
	require.Nil(t, err)
	assert.Equal(t, x.currentPoint(), y.currentPoint())
	assert.Equal(t, m.LastPoint(), x.currentPoint())
}

func TestCommuteConsistency(t *testing.T) {
	m := newTestManager(t)
	counter := mustRef(t, m, 0)

	const workers, ops = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
					return tx.Commute(counter, add, 1)
				})
				assert.Nil(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*ops, counter.Deref())
}

func TestCommuteFoldsAtCommit(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 10)

	first := true
	var speculative interface{}
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		v, err := tx.Commute(r, add, 1)
		if err != nil {
			return nil, err
		}
		speculative = v
		if first {
			first = false
			// lands between our commute and our commit
			require.Nil(t, set(m, r, 100))
		}
		return tx.Commute(r, add, 2)
	})
	require.Nil(t, err)
	assert.Equal(t, 11, speculative)
	assert.Equal(t, 103, r.Deref())
}

func TestSetAfterCommute(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		if _, err := tx.Commute(r, add, 1); err != nil {
			return nil, err
		}
		err := tx.Set(r, 5)
		r.lock.RLock()
		assert.Nil(t, r.writer())
		r.lock.RUnlock()
		return nil, err
	})
	assert.Equal(t, ErrSetAfterCommute, errors.Cause(err))
	assert.Equal(t, 0, r.Deref())
}

func TestRetryLimit(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	attempts := 0
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		attempts++
		require.Nil(t, set(m, r, attempts))
		// always stale
		return nil, tx.Set(r, -1)
	})
	assert.Equal(t, ErrRetryLimit, errors.Cause(err))
	assert.Equal(t, m.Config().RetryLimit, attempts)
	assert.Equal(t, attempts, r.Deref())
}

func TestBlockWithdrawnWhenRunEnds(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.RetryLimit = 1
	m := newTestManagerWithConfig(t, cfg)
	r := mustRef(t, m, 0)

	// last attempt blocks, budget is spent
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		if _, err := tx.Get(r); err != nil {
			return nil, err
		}
		return nil, tx.Retry()
	})
	assert.Equal(t, ErrRetryLimit, errors.Cause(err))
	assert.Equal(t, 0, m.Blocked())

	failure := errors.New("failure")
	_, err = m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		_ = tx.Block(WaitAny, r)
		return nil, failure
	})
	assert.Equal(t, failure, errors.Cause(err))
	assert.Equal(t, 0, m.Blocked())

	_, err = m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		_ = tx.Block(WaitAny, r)
		return nil, tx.Abort()
	})
	assert.Nil(t, err)
	assert.Equal(t, 0, m.Blocked())
}

func TestRunJoinsOuterTransaction(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	v, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		if err := tx.Set(r, 1); err != nil {
			return nil, err
		}
		return m.Run(tx.Context(), func(inner *Txn) (interface{}, error) {
			assert.True(t, inner == tx)
			assert.Equal(t, tx, FromContext(inner.Context()))
			return inner.Get(r)
		})
	})
	require.Nil(t, err)
	assert.Equal(t, 1, v)
}

func TestAfterCommitStartsFreshTransaction(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)
	audit := mustRef(t, m, 0)

	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		err := tx.AddListener(EventAfterCommit, func(args ...interface{}) interface{} {
			_, err := m.Run(tx.Context(), func(inner *Txn) (interface{}, error) {
				assert.False(t, inner == tx)
				v, err := inner.Get(r)
				if err != nil {
					return nil, err
				}
				return nil, inner.Set(audit, v)
			})
			assert.Nil(t, err)
			return nil
		}, nil, true)
		if err != nil {
			return nil, err
		}
		return nil, tx.Set(r, 7)
	})
	require.Nil(t, err)
	assert.Equal(t, 7, audit.Deref())
}

func TestAbort(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	aborted := false
	ran := make(chan struct{}, 1)
	v, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		require.Nil(t, tx.AddListener(EventOnAbort, func(args ...interface{}) interface{} {
			aborted = true
			return nil
		}, nil, false))
		require.Nil(t, tx.Enqueue(func() { ran <- struct{}{} }))
		if err := tx.Set(r, 1); err != nil {
			return nil, err
		}
		return "ignored", tx.Abort()
	})
	assert.Nil(t, err)
	assert.Nil(t, v)
	assert.True(t, aborted)
	assert.Equal(t, 0, r.Deref())
	m.Close()
	assert.Len(t, ran, 0)
}

func TestMisuseOutsideTransaction(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	var leaked *Txn
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		leaked = tx
		return nil, nil
	})
	require.Nil(t, err)

	_, err = leaked.Get(r)
	assert.Equal(t, ErrNoTransaction, err)
	assert.Equal(t, ErrNoTransaction, leaked.Set(r, 1))
	assert.Equal(t, ErrNoTransaction, leaked.Enqueue(func() {}))
	_, err = NewThunk(leaked, func() (interface{}, error) { return nil, nil })
	assert.Equal(t, ErrNoTransaction, err)
}

func TestUnboundRef(t *testing.T) {
	m := newTestManager(t)
	r := m.NewUnboundRef()
	assert.Nil(t, r.Deref())
	assert.Equal(t, 0, r.HistoryCount())

	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		return tx.Get(r)
	})
	assert.Equal(t, ErrUnbound, errors.Cause(err))

	require.Nil(t, set(m, r, "bound"))
	assert.Equal(t, "bound", r.Deref())
	assert.Equal(t, 1, r.HistoryCount())
}

// Two cells X=0 and Y=0. A sets X=1 then Y=X+1 while B sets Y=5.
func TestNoTornWrites(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 50; i++ {
		x := mustRef(t, m, 0)
		y := mustRef(t, m, 0)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
				if err := tx.Set(x, 1); err != nil {
					return nil, err
				}
				v, err := tx.Get(x)
				if err != nil {
					return nil, err
				}
				return nil, tx.Set(y, v.(int)+1)
			})
			assert.Nil(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.Nil(t, set(m, y, 5))
		}()
		wg.Wait()

		final := [2]interface{}{x.Deref(), y.Deref()}
		assert.Contains(t, [][2]interface{}{{1, 2}, {1, 5}}, final)
	}
}

func TestBargeKillsYoungerWriter(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, "init")

	oldStarted := make(chan struct{})
	youngOwns := make(chan struct{})
	oldDone := make(chan struct{})

	var youngAttempts int
	var youngInfo *Info
	youngResult := make(chan error, 1)
	go func() {
		<-oldStarted
		_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
			youngAttempts++
			if err := tx.Set(r, "young"); err != nil {
				return nil, err
			}
			if youngAttempts == 1 {
				youngInfo = tx.info
				close(youngOwns)
				<-oldDone
			}
			return nil, nil
		})
		youngResult <- err
	}()

	oldAttempts := 0
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		oldAttempts++
		if oldAttempts == 1 {
			close(oldStarted)
			<-youngOwns
			time.Sleep(2 * m.Config().BargeWait.Duration)
		}
		return nil, tx.Set(r, "old")
	})
	require.Nil(t, err)
	assert.Equal(t, 1, oldAttempts)
	assert.Equal(t, "old", r.Deref())
	close(oldDone)

	require.Nil(t, <-youngResult)
	assert.Equal(t, 2, youngAttempts)
	assert.Equal(t, "young", r.Deref())
	// the first attempt of the victim ended killed, not retried
	assert.Equal(t, StatusKilled, youngInfo.Status())
}

func TestYoungerWriterNeverKillsOlder(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, "init")

	oldOwns := make(chan struct{})
	release := make(chan struct{})
	oldResult := make(chan error, 1)
	var oldInfo *Info
	oldAttempts := 0
	go func() {
		_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
			oldAttempts++
			if err := tx.Set(r, "old"); err != nil {
				return nil, err
			}
			if oldAttempts == 1 {
				oldInfo = tx.info
				close(oldOwns)
				<-release
			}
			return nil, nil
		})
		oldResult <- err
	}()
	<-oldOwns

	youngAttempts := 0
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		youngAttempts++
		switch youngAttempts {
		case 1:
			// well past the barge wait, but younger than the writer
			time.Sleep(2 * m.Config().BargeWait.Duration)
		case 3:
			assert.Equal(t, StatusRunning, oldInfo.Status())
			close(release)
		}
		return nil, tx.Set(r, "young")
	})
	require.Nil(t, err)
	assert.GreaterOrEqual(t, youngAttempts, 3)

	require.Nil(t, <-oldResult)
	assert.Equal(t, 1, oldAttempts)
	assert.Equal(t, StatusCommitted, oldInfo.Status())
	assert.Equal(t, "young", r.Deref())
}

func TestEnsureRetriesOnNewerSnapshot(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	attempts := 0
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		attempts++
		if attempts == 1 {
			// commits after our read point
			require.Nil(t, set(m, r, 1))
			err := tx.Ensure(r)
			assert.True(t, IsRetry(err))
			return nil, err
		}
		return nil, tx.Ensure(r)
	})
	require.Nil(t, err)
	assert.Equal(t, 2, attempts)
	// no read guard left behind
	require.Nil(t, set(m, r, 2))
	assert.Equal(t, 2, r.Deref())
}

func TestEnsureHoldsOffWriters(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)
	other := mustRef(t, m, 0)

	ensured := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		<-ensured
		writerDone <- set(m, r, 1)
	}()

	first := true
	v, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		if err := tx.Ensure(r); err != nil {
			return nil, err
		}
		if first {
			first = false
			close(ensured)
			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, 0, r.Deref())
		}
		v, err := tx.Get(r)
		if err != nil {
			return nil, err
		}
		return v, tx.Set(other, v)
	})
	require.Nil(t, err)
	assert.Equal(t, 0, v)

	require.Nil(t, <-writerDone)
	assert.Equal(t, 1, r.Deref())
}

func TestWatchesNotifiedAfterCommit(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 1)

	type change struct{ key, old, new interface{} }
	var changes []change
	r.AddWatch("w", func(key interface{}, ref *Ref, oldVal, newVal interface{}) {
		assert.Equal(t, r, ref)
		changes = append(changes, change{key, oldVal, newVal})
	})

	require.Nil(t, set(m, r, 2))
	r.RemoveWatch("w")
	require.Nil(t, set(m, r, 3))
	assert.Equal(t, []change{{"w", 1, 2}}, changes)
}

func TestValidator(t *testing.T) {
	m := newTestManager(t)
	positive := func(v interface{}) error {
		if v.(int) <= 0 {
			return errors.New("not positive")
		}
		return nil
	}

	_, err := m.NewRef(0, WithValidator(positive))
	assert.Equal(t, ErrInvalidState, errors.Cause(err))

	r := mustRef(t, m, 0)
	assert.Equal(t, ErrInvalidState, errors.Cause(r.SetValidator(positive)))
	assert.Nil(t, r.Validator())

	require.Nil(t, set(m, r, 1))
	require.Nil(t, r.SetValidator(positive))
	assert.Equal(t, ErrInvalidState, errors.Cause(set(m, r, -1)))
	assert.Equal(t, 1, r.Deref())
}

func TestLifecycleEvents(t *testing.T) {
	m := newTestManager(t)
	x := mustRef(t, m, 0)
	y := mustRef(t, m, 0)

	var events []Event
	var touched []*Ref
	attempts := 0
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		attempts++
		for _, e := range []Event{EventOnAbort, EventOnCommit, EventAfterCommit} {
			require.Nil(t, tx.AddListener(e, func(args ...interface{}) interface{} {
				events = append(events, e)
				if e == EventOnCommit {
					touched = args[0].([]*Ref)
					assert.Equal(t, "extra", args[1])
				}
				return nil
			}, []interface{}{"extra"}, false))
		}
		if attempts == 1 {
			require.Nil(t, set(m, x, 1))
		}
		if _, err := tx.Alter(x, add, 1); err != nil {
			return nil, err
		}
		_, err := tx.Commute(y, add, 1)
		return nil, err
	})
	require.Nil(t, err)
	assert.Equal(t, []Event{EventOnAbort, EventOnCommit, EventAfterCommit}, events)
	assert.Equal(t, []*Ref{x, y}, touched)
	assert.Equal(t, 2, x.Deref())
	assert.Equal(t, 1, y.Deref())
}

func TestOnCommitListenerReadsThroughTxn(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 1)

	var seen interface{}
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		require.Nil(t, tx.AddListener(EventOnCommit, func(args ...interface{}) interface{} {
			v, err := tx.Get(args[0].([]*Ref)[0])
			assert.Nil(t, err)
			seen = v
			return nil
		}, nil, true))
		return nil, tx.Set(r, 2)
	})
	require.Nil(t, err)
	assert.Equal(t, 2, seen)
}

func TestActionsRunAfterCommit(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)

	var mu sync.Mutex
	var order []int
	record := func(i int) Action {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		require.Nil(t, tx.Enqueue(record(1)))
		require.Nil(t, tx.Enqueue(func() { panic("boom") }))
		require.Nil(t, tx.Enqueue(record(2)))
		return nil, tx.Set(r, 1)
	})
	require.Nil(t, err)
	m.Close()
	assert.Equal(t, []int{1, 2}, order)
}

func TestActionRunsTransactionThatEnqueues(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.ActionQueueCapacity = 1
	m := newTestManagerWithConfig(t, cfg)
	r := mustRef(t, m, 0)
	other := mustRef(t, m, 0)

	ran := make(chan int, 3)
	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		require.Nil(t, tx.Enqueue(func() {
			ran <- 1
			_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
				if err := tx.Enqueue(func() { ran <- 3 }); err != nil {
					return nil, err
				}
				return nil, tx.Set(other, 1)
			})
			assert.Nil(t, err)
		}))
		require.Nil(t, tx.Enqueue(func() { ran <- 2 }))
		return nil, tx.Set(r, 1)
	})
	require.Nil(t, err)

	var order []int
	for i := 0; i < 3; i++ {
		select {
		case v := <-ran:
			order = append(order, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("actions ran %v, executor stuck", order)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestExecuteAfterClose(t *testing.T) {
	m := newTestManager(t)
	r := mustRef(t, m, 0)
	m.Close()

	ran := false
	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
			for i := 0; i < 2*m.Config().ActionQueueCapacity; i++ {
				if err := tx.Enqueue(func() { ran = true }); err != nil {
					return nil, err
				}
			}
			return nil, tx.Set(r, 1)
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit blocked on a closed executor")
	}
	assert.False(t, ran)
	assert.Equal(t, 1, r.Deref())
}

func TestCustomExecutor(t *testing.T) {
	var queued []Action
	m := newTestManager(t, WithExecutor(ExecutorFunc(func(a Action) { queued = append(queued, a) })))
	r := mustRef(t, m, 0)

	_, err := m.Run(context.Background(), func(tx *Txn) (interface{}, error) {
		require.Nil(t, tx.Enqueue(func() {}))
		return nil, tx.Set(r, 1)
	})
	require.Nil(t, err)
	assert.Len(t, queued, 1)
}

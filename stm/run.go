package stm

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

const (
	resultCommitted = "committed"
	resultAborted   = "aborted"
	resultFailed    = "failed"
	resultExhausted = "exhausted"
)

// Run executes fn in a transaction and returns its result.
//
// If ctx carries a transaction of this manager that is in the middle of an attempt, fn
// joins it. Otherwise fn runs in a new transaction, retried until it commits, fails,
// aborts or exceeds the retry limit. An aborted transaction returns (nil, nil).
func (m *Manager) Run(ctx context.Context, fn Func) (interface{}, error) {
	if tx := FromContext(ctx); tx != nil && tx.mgr == m && tx.inAttempt {
		if tx.info == nil {
			// the outer attempt already bailed out
			return nil, tx.retry(reasonNotRunning)
		}
		return fn(tx)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "stm.run")
	defer span.Finish()

	tx := newTxn(ctx, m)
	ret, attempts, result, err := tx.run(fn)
	span.SetTag("attempts", attempts)
	span.SetTag("result", result)
	txnCounter.WithLabelValues(result).Inc()
	attemptsHistogram.Observe(float64(attempts))
	return ret, err
}

func (tx *Txn) run(fn Func) (ret interface{}, attempts int, result string, err error) {
	limit := tx.mgr.cfg.RetryLimit
	// a block left by the last attempt is never awaited
	defer func() {
		if b := tx.blocking; b != nil {
			tx.blocking = nil
			tx.mgr.blocking.deregister(b)
		}
	}()
	for i := 0; i < limit; i++ {
		attempts = i + 1
		if b := tx.blocking; b != nil {
			tx.blocking = nil
			err := b.await(tx.ctx)
			tx.mgr.blocking.deregister(b)
			if err != nil {
				return nil, attempts, resultFailed, errors.Trace(err)
			}
		}
		clear(tx.gets)

		tx.readPoint = tx.mgr.lastPoint.Inc()
		if i == 0 {
			tx.startPoint = tx.readPoint
			tx.startTime = time.Now()
		}
		tx.info = newInfo(StatusRunning, tx.startPoint)

		var done bool
		ret, done, result, err = tx.attempt(fn)
		if done {
			return ret, attempts, result, err
		}
	}
	tx.mgr.logger.Warn("transaction failed after reaching retry limit",
		zap.Int("retry-limit", limit),
		zap.Uint64("start-point", tx.startPoint))
	return nil, attempts, resultExhausted, errors.Annotatef(ErrRetryLimit, "retry limit %d", limit)
}

type notification struct {
	ref    *Ref
	oldVal interface{}
	newVal interface{}
}

// attempt runs the body once and commits it if it can. done reports whether the
// transaction is over, committed or not.
func (tx *Txn) attempt(fn Func) (ret interface{}, done bool, result string, err error) {
	var (
		locked    []*Ref
		notify    []notification
		committed bool
	)
	tx.inAttempt = true
	tx.poisoned = false
	tx.aborted = false

	defer func() {
		for k := len(locked) - 1; k >= 0; k-- {
			locked[k].lock.Unlock()
		}
		for r := range tx.ensures {
			r.lock.RUnlock()
		}
		clear(tx.ensures)

		switch {
		case committed:
			tx.stop(StatusCommitted)
		case tx.aborted:
			tx.stop(StatusKilled)
		default:
			tx.stop(StatusRetry)
		}
		tx.inAttempt = false
		tx.thunks = nil

		if committed {
			for _, n := range notify {
				n.ref.notifyWatches(n.oldVal, n.newVal)
			}
			for _, a := range tx.actions {
				tx.mgr.executor.Execute(a)
			}
			// blocked transactions re-check their refs
			tx.mgr.blocking.handleChanged()
			tx.dispatch(EventAfterCommit, nil)
		}
		tx.actions = nil
		clear(tx.listeners)
		clear(tx.sets)
	}()

	// fail runs the on-abort listeners and ends the transaction unless err is a retry.
	fail := func(err error) (interface{}, bool, string, error) {
		tx.dispatch(EventOnAbort, nil)
		if IsRetry(err) {
			return nil, false, "", nil
		}
		return nil, true, resultFailed, err
	}

	ret, err = fn(tx)
	if tx.aborted || isAbort(err) {
		tx.aborted = true
		tx.dispatch(EventOnAbort, nil)
		return nil, true, resultAborted, nil
	}
	if err != nil {
		return fail(err)
	}
	if tx.poisoned {
		return fail(errRetry)
	}
	if err := tx.runThunks(); err != nil {
		return fail(err)
	}
	if tx.poisoned {
		return fail(errRetry)
	}
	// nobody can kill us from here on
	if !tx.info.cas(StatusRunning, StatusCommitting) {
		return fail(tx.retry(reasonKilled))
	}
	if err := tx.commit(&locked, &notify); err != nil {
		return fail(err)
	}
	committed = true
	return ret, true, resultCommitted, nil
}

func (tx *Txn) runThunks() error {
	if len(tx.thunks) == 0 {
		return nil
	}
	tx.runningThunks = true
	defer func() { tx.runningThunks = false }()
	for _, t := range tx.thunks {
		if err := t.run(); err != nil {
			return err
		}
	}
	return nil
}

// commit write-locks every ref with a pending value, validates, and installs the new
// snapshots at one commit point. Locked refs are appended to locked for the caller to release.
func (tx *Txn) commit(locked *[]*Ref, notify *[]notification) error {
	lockWait := tx.mgr.cfg.LockWait.Duration

	var err error
	tx.commutes.Ascend(func(e *commuteEntry) bool {
		r := e.ref
		if _, ok := tx.sets[r]; ok {
			return true
		}
		_, wasEnsured := tx.ensures[r]
		tx.releaseIfEnsured(r)
		if !r.lock.TryLock(lockWait) {
			err = tx.retry(reasonLockTimeout)
			return false
		}
		*locked = append(*locked, r)
		if wasEnsured && r.tvals != nil && r.tvals.point > tx.readPoint {
			err = tx.retry(reasonStale)
			return false
		}
		if w := r.writer(); w != nil && w != tx.info && w.Running() {
			if !tx.barge(w) {
				err = tx.retry(reasonWriterExists)
				return false
			}
		}
		var v interface{}
		if r.tvals != nil {
			v = r.tvals.val
		}
		for _, c := range e.calls {
			v = c.fn(v, c.args...)
		}
		tx.vals[r] = v
		return true
	})
	if err != nil {
		return err
	}

	sets := make([]*Ref, 0, len(tx.sets))
	for r := range tx.sets {
		sets = append(sets, r)
	}
	sortRefs(sets)
	for _, r := range sets {
		if !r.lock.TryLock(lockWait) {
			return tx.retry(reasonLockTimeout)
		}
		*locked = append(*locked, r)
	}

	refs := make([]*Ref, 0, len(tx.vals))
	for r := range tx.vals {
		refs = append(refs, r)
	}
	sortRefs(refs)
	for _, r := range refs {
		if err := r.validate(tx.vals[r]); err != nil {
			return err
		}
	}

	touched := make([]*Ref, len(refs))
	copy(touched, refs)
	tx.dispatch(EventOnCommit, touched)

	// all values computed and all refs locked, no more user code until the locks are released
	commitPoint := tx.mgr.lastPoint.Inc()
	for _, r := range refs {
		newVal := tx.vals[r]
		var oldVal interface{}
		if r.tvals != nil {
			oldVal = r.tvals.val
		}
		hcount := r.histCount()
		switch {
		case r.tvals == nil:
			r.tvals = newTVal(newVal, commitPoint)
		case (r.faults.Load() > 0 && hcount < r.MaxHistory()) || hcount < r.MinHistory():
			r.tvals = newTValAfter(newVal, commitPoint, r.tvals)
			r.faults.Store(0)
		default:
			r.tvals = r.tvals.next
			r.tvals.val = newVal
			r.tvals.point = commitPoint
		}
		if r.watchCount() > 0 {
			*notify = append(*notify, notification{ref: r, oldVal: oldVal, newVal: newVal})
		}
	}
	return nil
}

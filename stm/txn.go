package stm

import (
	"context"
	"sort"
	"time"
	"weak"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Func is a transaction body. Bodies may run many times and must return retry signals
// from Txn operations unchanged.
type Func func(tx *Txn) (interface{}, error)

// CommuteFunc computes a new value from a ref's value. It must be free of side effects.
type CommuteFunc func(v interface{}, args ...interface{}) interface{}

type commuteCall struct {
	fn   CommuteFunc
	args []interface{}
}

type commuteEntry struct {
	ref   *Ref
	calls []commuteCall
}

func commuteLess(a, b *commuteEntry) bool {
	return a.ref.id < b.ref.id
}

const commuteTreeDegree = 8

// Txn is the state of one transaction. It belongs to the goroutine that called
// Manager.Run and is handed to the body on every attempt.
type Txn struct {
	mgr *Manager
	ctx context.Context

	info       *Info
	readPoint  uint64
	startPoint uint64
	startTime  time.Time

	// inAttempt is set while an attempt is in progress, including after it was stopped
	// by blockAndBail.
	inAttempt bool
	// poisoned marks an attempt in which some operation signalled retry.
	poisoned bool
	aborted  bool

	vals     map[*Ref]interface{}
	sets     map[*Ref]struct{}
	gets     map[*Ref]struct{}
	ensures  map[*Ref]struct{}
	commutes *btree.BTreeG[*commuteEntry]

	actions   []Action
	listeners Listeners

	blocking      *behavior
	orElseRunning bool

	thunks        []*Thunk
	runningThunks bool
}

type txnKey struct{}

func newTxn(ctx context.Context, m *Manager) *Txn {
	tx := &Txn{
		mgr:       m,
		vals:      make(map[*Ref]interface{}),
		sets:      make(map[*Ref]struct{}),
		gets:      make(map[*Ref]struct{}),
		ensures:   make(map[*Ref]struct{}),
		commutes:  btree.NewG[*commuteEntry](commuteTreeDegree, commuteLess),
		listeners: make(Listeners),
	}
	tx.ctx = context.WithValue(ctx, txnKey{}, tx)
	return tx
}

// FromContext returns the transaction bound to ctx, if any.
func FromContext(ctx context.Context) *Txn {
	tx, _ := ctx.Value(txnKey{}).(*Txn)
	return tx
}

// Context returns a context carrying this transaction. Manager.Run called with it joins
// the transaction.
func (tx *Txn) Context() context.Context {
	return tx.ctx
}

func (tx *Txn) ReadPoint() uint64 {
	return tx.readPoint
}

func (tx *Txn) StartPoint() uint64 {
	return tx.startPoint
}

func (tx *Txn) retry(reason string) error {
	tx.poisoned = true
	retryCounter.WithLabelValues(reason).Inc()
	if ce := tx.mgr.logger.Check(zap.DebugLevel, "transaction retry"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Uint64("read-point", tx.readPoint), zap.Uint64("start-point", tx.startPoint))
	}
	return errRetry
}

func (tx *Txn) checkRunning() error {
	if !tx.inAttempt {
		return ErrNoTransaction
	}
	if tx.info == nil || !tx.info.Running() {
		return tx.retry(reasonNotRunning)
	}
	return nil
}

// Get returns the value of r as of this transaction: its own pending value, or the newest
// snapshot committed at or before the read point.
func (tx *Txn) Get(r *Ref) (interface{}, error) {
	if err := tx.checkRunning(); err != nil {
		return nil, err
	}
	tx.gets[r] = struct{}{}
	if v, ok := tx.vals[r]; ok {
		return v, nil
	}
	if _, ok := tx.ensures[r]; !ok {
		r.lock.RLock()
		defer r.lock.RUnlock()
	}
	if r.tvals == nil {
		return nil, errors.Annotatef(ErrUnbound, "%s", r)
	}
	ver := r.tvals
	for {
		if ver.point <= tx.readPoint {
			return ver.val, nil
		}
		if ver = ver.prior; ver == r.tvals {
			break
		}
	}
	// no snapshot precedes the read point
	r.faults.Inc()
	return nil, tx.retry(reasonNoHistory)
}

// Set makes v the pending value of r and takes write ownership of r.
func (tx *Txn) Set(r *Ref, v interface{}) error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	if tx.commuted(r) {
		return errors.Annotatef(ErrSetAfterCommute, "%s", r)
	}
	if _, ok := tx.sets[r]; !ok {
		if err := tx.lock(r); err != nil {
			return err
		}
		tx.sets[r] = struct{}{}
	}
	tx.vals[r] = v
	return nil
}

// Alter sets r to fn applied to its current value and returns the new value.
func (tx *Txn) Alter(r *Ref, fn CommuteFunc, args ...interface{}) (interface{}, error) {
	v, err := tx.Get(r)
	if err != nil {
		return nil, err
	}
	v = fn(v, args...)
	if err := tx.Set(r, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Commute queues fn for r and returns fn applied to the pending value. The committed
// value is recomputed at commit time over whatever value r holds then.
func (tx *Txn) Commute(r *Ref, fn CommuteFunc, args ...interface{}) (interface{}, error) {
	if err := tx.checkRunning(); err != nil {
		return nil, err
	}
	if _, ok := tx.vals[r]; !ok {
		var v interface{}
		_, ensured := tx.ensures[r]
		if !ensured {
			r.lock.RLock()
		}
		if r.tvals != nil {
			v = r.tvals.val
		}
		if !ensured {
			r.lock.RUnlock()
		}
		tx.vals[r] = v
	}
	entry, ok := tx.commutes.Get(&commuteEntry{ref: r})
	if !ok {
		entry = &commuteEntry{ref: r}
		tx.commutes.ReplaceOrInsert(entry)
	}
	entry.calls = append(entry.calls, commuteCall{fn: fn, args: args})
	ret := fn(tx.vals[r], args...)
	tx.vals[r] = ret
	return ret, nil
}

func (tx *Txn) commuted(r *Ref) bool {
	return tx.commutes.Has(&commuteEntry{ref: r})
}

// Ensure keeps r from gaining another writer until this transaction ends.
func (tx *Txn) Ensure(r *Ref) error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	if _, ok := tx.ensures[r]; ok {
		return nil
	}
	r.lock.RLock()

	// someone committed after our snapshot
	if r.tvals != nil && r.tvals.point > tx.readPoint {
		r.lock.RUnlock()
		return tx.retry(reasonStale)
	}

	if w := r.writer(); w != nil && w.Running() {
		r.lock.RUnlock()
		if w != tx.info {
			return tx.blockAndBail(w)
		}
		// we are the writer, the write lock at commit covers it
		return nil
	}
	tx.ensures[r] = struct{}{}
	return nil
}

// Touch is Ensure.
func (tx *Txn) Touch(r *Ref) error {
	return tx.Ensure(r)
}

// lock takes write ownership of r: it records this attempt as the writer of r, barging
// or bailing out if another live attempt already is.
func (tx *Txn) lock(r *Ref) error {
	// a read guard can't be upgraded
	tx.releaseIfEnsured(r)

	if !r.lock.TryLock(tx.mgr.cfg.LockWait.Duration) {
		return tx.retry(reasonLockTimeout)
	}
	if r.tvals != nil && r.tvals.point > tx.readPoint {
		r.lock.Unlock()
		return tx.retry(reasonStale)
	}
	if w := r.writer(); w != nil && w != tx.info && w.Running() {
		if !tx.barge(w) {
			r.lock.Unlock()
			return tx.blockAndBail(w)
		}
	}
	r.tinfo = weak.Make(tx.info)
	r.lock.Unlock()
	return nil
}

// blockAndBail waits a bounded time for the conflicting attempt to finish, then signals
// retry. Inside OrElse it signals retry at once.
func (tx *Txn) blockAndBail(w *Info) error {
	if tx.orElseRunning {
		return tx.retry(reasonConflict)
	}
	tx.stop(StatusRetry)
	timer := time.NewTimer(tx.mgr.cfg.LockWait.Duration)
	defer timer.Stop()
	select {
	case <-w.Done():
	case <-timer.C:
	case <-tx.ctx.Done():
	}
	return tx.retry(reasonConflict)
}

func (tx *Txn) releaseIfEnsured(r *Ref) {
	if _, ok := tx.ensures[r]; ok {
		delete(tx.ensures, r)
		r.lock.RUnlock()
	}
}

func (tx *Txn) bargeTimeElapsed() bool {
	return time.Since(tx.startTime) > tx.mgr.cfg.BargeWait.Duration
}

// barge kills w if this transaction is older and has waited long enough.
func (tx *Txn) barge(w *Info) bool {
	if !tx.bargeTimeElapsed() || tx.startPoint >= w.StartPoint() {
		return false
	}
	if !w.cas(StatusRunning, StatusKilled) {
		return false
	}
	w.release()
	bargeCounter.Inc()
	tx.mgr.logger.Debug("barged younger transaction",
		zap.Uint64("start-point", tx.startPoint),
		zap.Uint64("victim-start-point", w.StartPoint()))
	return true
}

// stop ends the current attempt with status and releases anyone waiting on it. An
// attempt killed by a barge stays KILLED.
func (tx *Txn) stop(status Status) {
	if tx.info == nil {
		return
	}
	if status == StatusRetry {
		if !tx.info.cas(StatusRunning, StatusRetry) {
			tx.info.cas(StatusCommitting, StatusRetry)
		}
		tx.info.release()
	} else {
		tx.info.finish(status)
	}
	tx.info = nil
	clear(tx.vals)
	tx.commutes.Clear(false)
}

// OrElse runs fns in order and returns the result of the first that does not signal
// retry. Conflicts inside a branch never wait. If every branch blocked, the transaction
// waits until any of their conditions holds.
func (tx *Txn) OrElse(fns ...Func) (interface{}, error) {
	if err := tx.checkRunning(); err != nil {
		return nil, err
	}
	prev := tx.orElseRunning
	tx.orElseRunning = true
	defer func() { tx.orElseRunning = prev }()

	wasPoisoned := tx.poisoned
	var (
		blocked    []*behavior
		conflicted bool
	)
	for _, fn := range fns {
		tx.poisoned = false
		v, err := fn(tx)
		b := tx.blocking
		if b != nil {
			tx.blocking = nil
			tx.mgr.blocking.deregister(b)
		}
		if err == nil && !tx.poisoned {
			tx.poisoned = wasPoisoned
			return v, nil
		}
		if err != nil && !IsRetry(err) {
			return nil, err
		}
		if b != nil {
			blocked = append(blocked, b)
		} else {
			conflicted = true
		}
	}
	// a branch that lost a conflict may win on the next attempt, so only block when
	// every branch asked to
	if len(blocked) > 0 && !conflicted {
		tx.setBlocking(anyOf(blocked))
		return nil, tx.retry(reasonBlocked)
	}
	return nil, tx.retry(reasonConflict)
}

// Block suspends the transaction until refs advance, then retries it. With no refs it
// watches every ref read in this attempt. It always returns the retry signal.
func (tx *Txn) Block(mode WaitMode, refs ...*Ref) error {
	return tx.BlockUntil(mode, nil, nil, refs...)
}

// BlockUntil is Block gated by pred, which is called with args once the ref condition holds.
func (tx *Txn) BlockUntil(mode WaitMode, pred Predicate, args []interface{}, refs ...*Ref) error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	if len(refs) == 0 {
		refs = tx.readRefs()
	}
	tx.setBlocking(newBehavior(mode, refs, tx.readPoint, pred, args))
	return tx.retry(reasonBlocked)
}

// Retry blocks until any ref read in this attempt changes.
func (tx *Txn) Retry() error {
	return tx.Block(WaitAny)
}

func (tx *Txn) setBlocking(b *behavior) {
	if tx.blocking != nil {
		tx.mgr.blocking.deregister(tx.blocking)
	}
	tx.mgr.blocking.register(b)
	tx.blocking = b
}

func (tx *Txn) readRefs() []*Ref {
	refs := make([]*Ref, 0, len(tx.gets))
	for r := range tx.gets {
		refs = append(refs, r)
	}
	sortRefs(refs)
	return refs
}

// Abort ends the transaction without a result. The body must return the error.
func (tx *Txn) Abort() error {
	if !tx.inAttempt {
		return ErrNoTransaction
	}
	tx.aborted = true
	return errAbort
}

// AddListener registers fn for a lifecycle event of this transaction. once marks a
// listener that is dropped after it fires.
//
// On-commit listeners run while the transaction write-locks the touched refs: Deref on
// one of them blocks forever. Read them through tx.Get, which returns the values
// about to be committed without locking.
func (tx *Txn) AddListener(event Event, fn EventFunc, args []interface{}, once bool) error {
	if !tx.inAttempt {
		return ErrNoTransaction
	}
	tx.listeners[event] = append(tx.listeners[event], NewEventFn(fn, args, once))
	return nil
}

// Enqueue queues an action to run after the transaction commits.
func (tx *Txn) Enqueue(a Action) error {
	if !tx.inAttempt {
		return ErrNoTransaction
	}
	tx.actions = append(tx.actions, a)
	return nil
}

func (tx *Txn) dispatch(event Event, payload interface{}) {
	if len(tx.listeners[event]) == 0 {
		return
	}
	tx.mgr.dispatcher.Dispatch(event, tx.listeners, payload)
}

func sortRefs(refs []*Ref) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })
}

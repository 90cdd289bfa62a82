package stm

import (
	"fmt"
	"sync"
	"weak"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// ValidatorFunc checks a value about to be committed to a ref.
type ValidatorFunc func(v interface{}) error

// WatchFunc is called after a commit that changed the watched ref.
type WatchFunc func(key interface{}, ref *Ref, oldVal, newVal interface{})

// tval is one committed snapshot. Snapshots form a ring: prior walks toward older
// snapshots and wraps back to the head, next of the head is the oldest.
type tval struct {
	val   interface{}
	point uint64
	prior *tval
	next  *tval
}

func newTVal(val interface{}, point uint64) *tval {
	t := &tval{val: val, point: point}
	t.prior = t
	t.next = t
	return t
}

// newTValAfter links a new head in front of prior.
func newTValAfter(val interface{}, point uint64, prior *tval) *tval {
	t := &tval{val: val, point: point, prior: prior, next: prior.next}
	t.prior.next = t
	t.next.prior = t
	return t
}

// Ref is a transactional cell. Reads and writes of its value go through a Txn; the
// history ring lets older transactions keep reading their snapshot while newer ones commit.
type Ref struct {
	id int64

	// lock guards tvals and tinfo.
	lock  *rwLock
	tvals *tval
	tinfo weak.Pointer[Info]

	faults     atomic.Int32
	minHistory atomic.Int32
	maxHistory atomic.Int32

	mu        sync.RWMutex
	validator ValidatorFunc
	watches   map[interface{}]WatchFunc
}

// RefOption configures a ref at creation.
type RefOption func(r *Ref)

// WithValidator sets the ref's validator. The initial value is checked against it.
func WithValidator(fn ValidatorFunc) RefOption {
	return func(r *Ref) { r.validator = fn }
}

// WithMinHistory overrides the configured minimum history depth.
func WithMinHistory(n int) RefOption {
	return func(r *Ref) { r.minHistory.Store(int32(n)) }
}

// WithMaxHistory overrides the configured maximum history depth.
func WithMaxHistory(n int) RefOption {
	return func(r *Ref) { r.maxHistory.Store(int32(n)) }
}

// NewRef creates a ref holding val at point 0.
func (m *Manager) NewRef(val interface{}, opts ...RefOption) (*Ref, error) {
	r := m.newRef(opts...)
	if err := r.validate(val); err != nil {
		return nil, err
	}
	r.tvals = newTVal(val, 0)
	return r, nil
}

// NewUnboundRef creates a ref with no history. Reading it fails with ErrUnbound until a
// transaction sets it.
func (m *Manager) NewUnboundRef(opts ...RefOption) *Ref {
	return m.newRef(opts...)
}

func (m *Manager) newRef(opts ...RefOption) *Ref {
	r := &Ref{
		id:      m.lastRefID.Inc(),
		lock:    newRWLock(),
		watches: make(map[interface{}]WatchFunc),
	}
	r.minHistory.Store(int32(m.cfg.MinHistory))
	r.maxHistory.Store(int32(m.cfg.MaxHistory))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the ref's identity, unique within its manager.
func (r *Ref) ID() int64 {
	return r.id
}

func (r *Ref) String() string {
	return fmt.Sprintf("ref#%d", r.id)
}

// Deref returns the most recently committed value, or nil if the ref is unbound.
func (r *Ref) Deref() interface{} {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.tvals == nil {
		return nil
	}
	return r.tvals.val
}

// currentPoint returns the commit point of the newest snapshot.
func (r *Ref) currentPoint() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.tvals == nil {
		return 0
	}
	return r.tvals.point
}

// HistoryCount returns the number of snapshots kept.
func (r *Ref) HistoryCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.histCount()
}

func (r *Ref) histCount() int {
	if r.tvals == nil {
		return 0
	}
	count := 0
	for tv := r.tvals.next; tv != r.tvals; tv = tv.next {
		count++
	}
	return count + 1
}

// TrimHistory drops every snapshot except the newest.
func (r *Ref) TrimHistory() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.tvals != nil {
		r.tvals.prior = r.tvals
		r.tvals.next = r.tvals
	}
}

func (r *Ref) MinHistory() int { return int(r.minHistory.Load()) }

func (r *Ref) MaxHistory() int { return int(r.maxHistory.Load()) }

func (r *Ref) SetMinHistory(n int) { r.minHistory.Store(int32(n)) }

func (r *Ref) SetMaxHistory(n int) { r.maxHistory.Store(int32(n)) }

// SetValidator installs fn after checking the current value against it.
func (r *Ref) SetValidator(fn ValidatorFunc) error {
	if fn != nil {
		if err := callValidator(r, fn, r.Deref()); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.validator = fn
	r.mu.Unlock()
	return nil
}

// Validator returns the installed validator, if any.
func (r *Ref) Validator() ValidatorFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validator
}

func (r *Ref) validate(v interface{}) error {
	return callValidator(r, r.Validator(), v)
}

func callValidator(r *Ref, fn ValidatorFunc, v interface{}) error {
	if fn == nil {
		return nil
	}
	if err := fn(v); err != nil {
		return errors.Annotatef(ErrInvalidState, "%s: %v", r, err)
	}
	return nil
}

// AddWatch registers fn under key, replacing any watch with the same key.
func (r *Ref) AddWatch(key interface{}, fn WatchFunc) {
	r.mu.Lock()
	r.watches[key] = fn
	r.mu.Unlock()
}

// RemoveWatch removes the watch registered under key.
func (r *Ref) RemoveWatch(key interface{}) {
	r.mu.Lock()
	delete(r.watches, key)
	r.mu.Unlock()
}

func (r *Ref) watchCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watches)
}

func (r *Ref) notifyWatches(oldVal, newVal interface{}) {
	r.mu.RLock()
	watches := make(map[interface{}]WatchFunc, len(r.watches))
	for k, fn := range r.watches {
		watches[k] = fn
	}
	r.mu.RUnlock()
	for k, fn := range watches {
		fn(k, r, oldVal, newVal)
	}
}

// writer returns the info of the attempt holding the ref for writing, if it is still alive.
// Callers hold the ref lock.
func (r *Ref) writer() *Info {
	return r.tinfo.Value()
}

package stm

import (
	"context"
	"sync"
)

// WaitMode selects how many watched refs must advance before a blocked transaction wakes.
type WaitMode int

const (
	// WaitAny wakes once some watched ref has a commit newer than the block point.
	WaitAny WaitMode = iota
	// WaitAll wakes once every watched ref has a commit at or after the block point.
	WaitAll
)

func (m WaitMode) String() string {
	if m == WaitAll {
		return "all"
	}
	return "any"
}

// Predicate gates a blocking behavior. It is evaluated by committing goroutines, outside
// any transaction, and only after the ref condition holds.
type Predicate func(args ...interface{}) bool

// behavior is a wake condition over a set of refs. It starts armed and becomes satisfied
// once; the done channel is closed at that moment.
type behavior struct {
	id         uint64
	refs       []*Ref
	blockPoint uint64
	mode       WaitMode
	pred       Predicate
	args       []interface{}
	// children, when set, replace the ref condition: the behavior wakes when any child would.
	children []*behavior

	done chan struct{}
	once sync.Once
}

func newBehavior(mode WaitMode, refs []*Ref, blockPoint uint64, pred Predicate, args []interface{}) *behavior {
	return &behavior{
		refs:       refs,
		blockPoint: blockPoint,
		mode:       mode,
		pred:       pred,
		args:       args,
		done:       make(chan struct{}),
	}
}

// anyOf combines the behaviors left by the branches of an OrElse that all retried.
func anyOf(children []*behavior) *behavior {
	if len(children) == 1 {
		return children[0]
	}
	return &behavior{mode: WaitAny, children: children, done: make(chan struct{})}
}

func (b *behavior) shouldUnblock() bool {
	if len(b.children) > 0 {
		for _, child := range b.children {
			if child.shouldUnblock() {
				return true
			}
		}
		return false
	}
	switch b.mode {
	case WaitAll:
		for _, r := range b.refs {
			if r.currentPoint() < b.blockPoint {
				return false
			}
		}
	default:
		advanced := false
		for _, r := range b.refs {
			if r.currentPoint() > b.blockPoint {
				advanced = true
				break
			}
		}
		if !advanced {
			return false
		}
	}
	return b.pred == nil || b.pred(b.args...)
}

// await returns at once if the condition already holds, otherwise it waits until a commit
// satisfies it or ctx is done.
func (b *behavior) await(ctx context.Context) error {
	if b.shouldUnblock() {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *behavior) handleChanged() {
	if b.shouldUnblock() {
		b.once.Do(func() { close(b.done) })
	}
}

// registry holds the armed behaviors of one manager.
type registry struct {
	mu        sync.Mutex
	lastID    uint64
	behaviors map[uint64]*behavior
}

func newRegistry() *registry {
	return &registry{behaviors: make(map[uint64]*behavior)}
}

func (r *registry) register(b *behavior) {
	r.mu.Lock()
	r.lastID++
	b.id = r.lastID
	r.behaviors[b.id] = b
	r.mu.Unlock()
	blockingGauge.Inc()
}

func (r *registry) deregister(b *behavior) {
	r.mu.Lock()
	_, ok := r.behaviors[b.id]
	delete(r.behaviors, b.id)
	r.mu.Unlock()
	if ok {
		blockingGauge.Dec()
	}
}

// handleChanged re-checks every armed behavior. Conditions are evaluated outside the
// registry lock since predicates run user code.
func (r *registry) handleChanged() {
	r.mu.Lock()
	armed := make([]*behavior, 0, len(r.behaviors))
	for _, b := range r.behaviors {
		armed = append(armed, b)
	}
	r.mu.Unlock()
	for _, b := range armed {
		b.handleChanged()
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.behaviors)
}

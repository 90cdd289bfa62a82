package bench

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/errors"
)

// Workload drives one kind of transaction against a manager.
type Workload interface {
	// Init creates the refs the workload operates on.
	Init(m *stm.Manager, threads int) error
	// Do runs one operation and reports its name and how many attempts its transaction took.
	Do(ctx context.Context, threadID int, seq int, r *rand.Rand) (op string, attempts int, err error)
	// Verify checks the workload invariant once every operation has finished.
	Verify() error
}

// WorkloadCreator creates a fresh Workload.
type WorkloadCreator func() Workload

var workloadCreators = map[string]WorkloadCreator{}

// RegisterWorkload registers a creator for the workload name.
func RegisterWorkload(name string, creator WorkloadCreator) {
	if _, ok := workloadCreators[name]; ok {
		panic(fmt.Sprintf("duplicate register workload %s", name))
	}
	workloadCreators[name] = creator
}

// NewWorkload creates the workload registered under name.
func NewWorkload(name string) (Workload, error) {
	creator, ok := workloadCreators[name]
	if !ok {
		return nil, errors.Errorf("workload %s is not registered", name)
	}
	return creator(), nil
}

// Workloads returns the registered workload names in order.
func Workloads() []string {
	names := make([]string, 0, len(workloadCreators))
	for name := range workloadCreators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// run executes fn in a transaction of m and counts its attempts.
func run(ctx context.Context, m *stm.Manager, fn stm.Func) (interface{}, int, error) {
	attempts := 0
	v, err := m.Run(ctx, func(tx *stm.Txn) (interface{}, error) {
		attempts++
		return fn(tx)
	})
	return v, attempts, err
}

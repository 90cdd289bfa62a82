package stm

// Thunk is a lazy computation bound to a transaction attempt. It runs once, after the
// transaction body returns and before the attempt commits.
type Thunk struct {
	tx        *Txn
	fn        func() (interface{}, error)
	value     interface{}
	evaluated bool
}

// NewThunk registers fn with the running attempt of tx. Thunks can't be created while
// the attempt is running its thunks.
func NewThunk(tx *Txn, fn func() (interface{}, error)) (*Thunk, error) {
	if tx == nil || !tx.inAttempt {
		return nil, ErrNoTransaction
	}
	if tx.runningThunks {
		return nil, ErrNestedThunk
	}
	if tx.info == nil || !tx.info.Running() {
		return nil, tx.retry(reasonNotRunning)
	}
	t := &Thunk{tx: tx, fn: fn}
	tx.thunks = append(tx.thunks, t)
	return t, nil
}

func (t *Thunk) run() error {
	if t.tx.info == nil {
		return ErrNoTransaction
	}
	if t.evaluated {
		return nil
	}
	v, err := t.fn()
	if err != nil {
		return err
	}
	t.value = v
	t.evaluated = true
	return nil
}

// Deref returns the computed value. It fails with ErrThunkNotEvaluated until the thunk has run.
func (t *Thunk) Deref() (interface{}, error) {
	if !t.evaluated {
		return nil, ErrThunkNotEvaluated
	}
	return t.value, nil
}

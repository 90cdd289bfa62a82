package stm

import (
	"github.com/pingcap/errors"
)

var (
	// ErrNoTransaction is returned when an operation needs a running transaction attempt.
	ErrNoTransaction = errors.New("stm: no transaction running")
	// ErrSetAfterCommute is returned by Set on a ref already commuted in the same attempt.
	ErrSetAfterCommute = errors.New("stm: can't set after commute")
	// ErrNestedThunk is returned when a thunk is created while the transaction runs thunks.
	ErrNestedThunk = errors.New("stm: lazy expression nested inside another lazy expression")
	// ErrThunkNotEvaluated is returned by Deref on a thunk that has not run yet.
	ErrThunkNotEvaluated = errors.New("stm: thunk dereferenced outside lazy expression")
	// ErrRetryLimit is returned when a transaction fails to commit within the retry limit.
	ErrRetryLimit = errors.New("stm: transaction failed after reaching retry limit")
	// ErrInvalidState is returned when a validator rejects a value.
	ErrInvalidState = errors.New("stm: invalid reference state")
	// ErrUnbound is returned when reading a ref that has no history.
	ErrUnbound = errors.New("stm: ref is unbound")
)

// errRetry and errAbort are control signals. They never leave Manager.Run.
var (
	errRetry = errors.New("stm: retry")
	errAbort = errors.New("stm: abort")
)

// IsRetry reports whether err is the retry signal. Bodies should return it unchanged.
func IsRetry(err error) bool {
	return err != nil && errors.Cause(err) == errRetry
}

func isAbort(err error) bool {
	return err != nil && errors.Cause(err) == errAbort
}

// retry reasons, used as metric labels and in debug logs.
const (
	reasonNotRunning   = "not-running"
	reasonLockTimeout  = "lock-timeout"
	reasonStale        = "stale"
	reasonConflict     = "conflict"
	reasonNoHistory    = "no-history"
	reasonBlocked      = "blocked"
	reasonWriterExists = "writer-exists"
	reasonKilled       = "killed"
)

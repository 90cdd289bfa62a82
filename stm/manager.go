package stm

import (
	"sync"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Manager owns the point counter and the blocking registry shared by its transactions.
// Refs created by one manager must only be used in transactions of the same manager.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	executor    Executor
	ownExecutor *workerExecutor
	dispatcher  EventDispatcher

	lastPoint atomic.Uint64
	lastRefID atomic.Int64
	blocking  *registry

	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(m *Manager)

// WithLogger sets the logger. The global pingcap logger is used by default.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithExecutor sets the executor for committed actions. By default actions run on a
// background worker owned by the manager.
func WithExecutor(e Executor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithDispatcher sets the dispatcher for lifecycle listeners.
func WithDispatcher(d EventDispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// NewManager creates a manager. A nil cfg means config.NewDefaultConfig.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Adjust(nil); err != nil {
		return nil, errors.Annotate(err, "invalid stm config")
	}
	m := &Manager{
		cfg:        cfg,
		logger:     log.L(),
		dispatcher: DefaultDispatcher,
		blocking:   newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.executor == nil {
		m.ownExecutor = newWorkerExecutor(m.logger, cfg.ActionQueueCapacity)
		m.executor = m.ownExecutor
	}
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// LastPoint returns the most recently issued read or commit point.
func (m *Manager) LastPoint() uint64 {
	return m.lastPoint.Load()
}

// Blocked returns the number of transactions waiting on a blocking behavior.
func (m *Manager) Blocked() int {
	return m.blocking.len()
}

// Close stops the default action executor after it has run every queued action.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.ownExecutor != nil {
			m.ownExecutor.stop()
		}
	})
}

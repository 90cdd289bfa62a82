package bench

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ClientConfig controls one bench run.
type ClientConfig struct {
	Workload string
	Threads  int
	// Ops is the total operation count, split evenly among threads.
	Ops int
	// Target caps the throughput in operations per second. Zero means unlimited.
	Target int
	Seed   int64
}

// Status is a live view of a running bench.
type Status struct {
	RunID    string `json:"run-id"`
	Workload string `json:"workload"`
	Threads  int    `json:"threads"`
	Total    int    `json:"total"`
	Done     int64  `json:"done"`
	Elapsed  string `json:"elapsed"`
	Running  bool   `json:"running"`
}

// Client runs a workload against a manager with a number of threads.
type Client struct {
	m       *stm.Manager
	cfg     ClientConfig
	runID   string
	measure *Measurement

	done    atomic.Int64
	running atomic.Bool
	start   atomic.Time
}

func NewClient(m *stm.Manager, cfg ClientConfig) *Client {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Client{
		m:       m,
		cfg:     cfg,
		runID:   uuid.New().String(),
		measure: NewMeasurement(),
	}
}

// Run drives the workload to completion and returns the report. The workload
// invariant is verified unless ctx was cancelled.
func (c *Client) Run(ctx context.Context) (*Report, error) {
	w, err := NewWorkload(c.cfg.Workload)
	if err != nil {
		return nil, err
	}
	if err = w.Init(c.m, c.cfg.Threads); err != nil {
		return nil, errors.Annotatef(err, "init workload %s", c.cfg.Workload)
	}

	var limiter *rate.Limiter
	if c.cfg.Target > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.Target), 1)
	}

	log.Info("bench start",
		zap.String("run-id", c.runID),
		zap.String("workload", c.cfg.Workload),
		zap.Int("threads", c.cfg.Threads),
		zap.Int("ops", c.cfg.Ops),
		zap.Int("target", c.cfg.Target))

	c.start.Store(time.Now())
	c.running.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Threads; i++ {
		threadID := i
		opCount := c.cfg.Ops / c.cfg.Threads
		if threadID < c.cfg.Ops%c.cfg.Threads {
			opCount++
		}
		g.Go(func() error {
			r := rand.New(rand.NewSource(c.cfg.Seed + int64(threadID)))
			for seq := 0; seq < opCount; seq++ {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				begin := time.Now()
				op, attempts, err := w.Do(gctx, threadID, seq, r)
				c.measure.Measure(op, time.Since(begin), attempts, err)
				c.done.Inc()
				if err != nil && gctx.Err() == nil {
					log.Debug("bench operation failed",
						zap.Int("thread", threadID),
						zap.String("op", op),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	err = g.Wait()
	c.running.Store(false)
	elapsed := time.Since(c.start.Load())
	if err != nil {
		return nil, errors.Trace(err)
	}

	report := &Report{
		RunID:    c.runID,
		Workload: c.cfg.Workload,
		Threads:  c.cfg.Threads,
		Elapsed:  elapsed,
		Ops:      c.measure.Summary(elapsed),
	}
	log.Info("bench finished",
		zap.String("run-id", c.runID),
		zap.Int64("done", c.done.Load()),
		zap.Duration("elapsed", elapsed))

	if ctx.Err() != nil {
		log.Warn("bench interrupted, skip verify", zap.String("run-id", c.runID))
		return report, nil
	}
	if err = w.Verify(); err != nil {
		return report, errors.Annotatef(err, "verify workload %s", c.cfg.Workload)
	}
	return report, nil
}

// Status reports the progress of the run.
func (c *Client) Status() Status {
	s := Status{
		RunID:    c.runID,
		Workload: c.cfg.Workload,
		Threads:  c.cfg.Threads,
		Total:    c.cfg.Ops,
		Done:     c.done.Load(),
		Running:  c.running.Load(),
	}
	if start := c.start.Load(); !start.IsZero() {
		s.Elapsed = time.Since(start).String()
	}
	return s
}

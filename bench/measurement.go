package bench

import (
	"sort"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/montanaflynn/stats"
)

type opMeasure struct {
	hist     *hdrhistogram.Histogram
	attempts []float64
	errors   int64
}

func newOpMeasure() *opMeasure {
	return &opMeasure{
		// microseconds, up to one hour
		hist: hdrhistogram.New(1, 60*60*1000*1000, 3),
	}
}

// Measurement collects latency and attempt counts per operation.
type Measurement struct {
	mu  sync.Mutex
	ops map[string]*opMeasure
}

func NewMeasurement() *Measurement {
	return &Measurement{ops: make(map[string]*opMeasure)}
}

// Measure records one finished operation.
func (m *Measurement) Measure(op string, latency time.Duration, attempts int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.ops[op]
	if !ok {
		o = newOpMeasure()
		m.ops[op] = o
	}
	if err != nil {
		o.errors++
		return
	}
	_ = o.hist.RecordValue(latency.Microseconds())
	o.attempts = append(o.attempts, float64(attempts))
}

// OpSummary is the digest of one operation type. Latencies are in microseconds.
type OpSummary struct {
	Op             string  `json:"op"`
	Count          int64   `json:"count"`
	Errors         int64   `json:"errors"`
	OPS            float64 `json:"ops"`
	AvgUs          int64   `json:"avg-us"`
	MinUs          int64   `json:"min-us"`
	MaxUs          int64   `json:"max-us"`
	P99Us          int64   `json:"p99-us"`
	P999Us         int64   `json:"p999-us"`
	AttemptsMean   float64 `json:"attempts-mean"`
	AttemptsMedian float64 `json:"attempts-median"`
	AttemptsP99    float64 `json:"attempts-p99"`
}

// Summary digests every operation measured so far, sorted by name.
func (m *Measurement) Summary(elapsed time.Duration) []OpSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	summaries := make([]OpSummary, 0, len(m.ops))
	for op, o := range m.ops {
		s := OpSummary{
			Op:     op,
			Count:  o.hist.TotalCount(),
			Errors: o.errors,
			AvgUs:  int64(o.hist.Mean()),
			MinUs:  o.hist.Min(),
			MaxUs:  o.hist.Max(),
			P99Us:  o.hist.ValueAtPercentile(99),
			P999Us: o.hist.ValueAtPercentile(99.9),
		}
		if secs := elapsed.Seconds(); secs > 0 {
			s.OPS = float64(s.Count) / secs
		}
		if len(o.attempts) > 0 {
			s.AttemptsMean, _ = stats.Mean(o.attempts)
			s.AttemptsMedian, _ = stats.Median(o.attempts)
			s.AttemptsP99, _ = stats.Percentile(o.attempts, 99)
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Op < summaries[j].Op })
	return summaries
}

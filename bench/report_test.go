package bench

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func fixedReport() *Report {
	return &Report{
		RunID:    "00000000-0000-0000-0000-000000000001",
		Workload: "transfer",
		Threads:  4,
		Elapsed:  2 * time.Second,
		Ops: []OpSummary{
			{Op: "transfer", Count: 1000, OPS: 500, AvgUs: 120, MinUs: 15, MaxUs: 2300, P99Us: 900, P999Us: 2100,
				AttemptsMean: 1.25, AttemptsMedian: 1, AttemptsP99: 4},
			{Op: "transfer-abort", Count: 20, Errors: 1, OPS: 10, AvgUs: 80, MinUs: 10, MaxUs: 400, P99Us: 390, P999Us: 400,
				AttemptsMean: 1, AttemptsMedian: 1, AttemptsP99: 1},
		},
	}
}

func TestRenderPlain(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, fixedReport().Render(&buf, OutputStylePlain))
	g := goldie.New(t)
	g.Assert(t, "report_plain", buf.Bytes())
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, fixedReport().Render(&buf, OutputStyleJSON))

	var got Report
	require.Nil(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, *fixedReport(), got)
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, fixedReport().Render(&buf, OutputStyleTable))
	out := buf.String()
	require.Contains(t, out, "OPERATION")
	require.Contains(t, out, "transfer-abort")
	require.Contains(t, out, "2300")
}

func TestRenderUnknownStyle(t *testing.T) {
	var buf bytes.Buffer
	require.NotNil(t, fixedReport().Render(&buf, "xml"))
}

func TestMeasurementSummary(t *testing.T) {
	m := NewMeasurement()
	for i := 1; i <= 100; i++ {
		m.Measure("get", time.Duration(i)*time.Microsecond, 1+i%2, nil)
	}
	m.Measure("get", time.Millisecond, 1, errTest)
	m.Measure("alter", 10*time.Microsecond, 3, nil)

	sums := m.Summary(time.Second)
	require.Len(t, sums, 2)
	require.Equal(t, "alter", sums[0].Op)
	require.Equal(t, 3.0, sums[0].AttemptsMean)

	get := sums[1]
	require.Equal(t, "get", get.Op)
	require.Equal(t, int64(100), get.Count)
	require.Equal(t, int64(1), get.Errors)
	require.Equal(t, 100.0, get.OPS)
	require.Equal(t, int64(1), get.MinUs)
	require.Equal(t, int64(100), get.MaxUs)
	require.Equal(t, 1.5, get.AttemptsMean)
}

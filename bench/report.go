package bench

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/pingcap/errors"
)

// output style
const (
	OutputStylePlain = "plain"
	OutputStyleTable = "table"
	OutputStyleJSON  = "json"
)

var header = []string{"Operation", "Count", "Errors", "OPS", "Avg(us)", "Min(us)", "Max(us)", "99th(us)", "99.9th(us)", "Attempts(avg)", "Attempts(p50)", "Attempts(p99)"}

// Report is the outcome of one bench run.
type Report struct {
	RunID    string        `json:"run-id"`
	Workload string        `json:"workload"`
	Threads  int           `json:"threads"`
	Elapsed  time.Duration `json:"elapsed"`
	Ops      []OpSummary   `json:"ops"`
}

func (r *Report) rows() [][]string {
	rows := make([][]string, 0, len(r.Ops))
	for _, s := range r.Ops {
		rows = append(rows, []string{
			s.Op,
			fmt.Sprintf("%d", s.Count),
			fmt.Sprintf("%d", s.Errors),
			fmt.Sprintf("%.1f", s.OPS),
			fmt.Sprintf("%d", s.AvgUs),
			fmt.Sprintf("%d", s.MinUs),
			fmt.Sprintf("%d", s.MaxUs),
			fmt.Sprintf("%d", s.P99Us),
			fmt.Sprintf("%d", s.P999Us),
			fmt.Sprintf("%.2f", s.AttemptsMean),
			fmt.Sprintf("%.1f", s.AttemptsMedian),
			fmt.Sprintf("%.1f", s.AttemptsP99),
		})
	}
	return rows
}

// Render writes the report in the given output style.
func (r *Report) Render(w io.Writer, style string) error {
	switch style {
	case OutputStylePlain:
		fmt.Fprintf(w, "Run %s: workload %s, %d threads, took %s\n",
			r.RunID, r.Workload, r.Threads, strings.ToLower(units.HumanDuration(r.Elapsed)))
		renderString(w, "%-16s- %s\n", header, r.rows())
	case OutputStyleTable:
		fmt.Fprintf(w, "Run %s: workload %s, %d threads, took %s\n",
			r.RunID, r.Workload, r.Threads, r.Elapsed)
		renderTable(w, header, r.rows())
	case OutputStyleJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprintln(w, string(data))
	default:
		return errors.Errorf("unknown output style %q", style)
	}
	return nil
}

// renderString writes one line per row, the first column followed by the remaining
// columns as "header: value" pairs.
func renderString(w io.Writer, format string, headers []string, values [][]string) {
	if len(values) == 0 {
		return
	}
	buf := new(bytes.Buffer)
	for _, value := range values {
		args := make([]string, len(headers)-1)
		for i, h := range headers[1:] {
			args[i] = h + ": " + value[i+1]
		}
		buf.WriteString(fmt.Sprintf(format, value[0], strings.Join(args, ", ")))
	}
	fmt.Fprint(w, buf.String())
}

func renderTable(w io.Writer, headers []string, values [][]string) {
	if len(values) == 0 {
		return
	}
	tb := tablewriter.NewWriter(w)
	tb.SetHeader(headers)
	tb.AppendBulk(values)
	tb.Render()
}

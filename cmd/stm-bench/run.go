package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinystm/bench"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	workloadArg   string
	threadsArg    int
	opsArg        int
	targetArg     int
	seedArg       int64
	formatArg     string
	statusAddrArg string
)

func runCommandFunc(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	m, err := stm.NewManager(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.Close()

	c := bench.NewClient(m, bench.ClientConfig{
		Workload: workloadArg,
		Threads:  threadsArg,
		Ops:      opsArg,
		Target:   targetArg,
		Seed:     seedArg,
	})

	if statusAddrArg != "" {
		s, err := bench.StartStatusServer(statusAddrArg, bench.NewStatusHandler(c))
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.Close(ctx); err != nil {
				log.Warn("close status server failed", zap.Error(err))
			}
		}()
	}

	report, err := c.Run(globalContext)
	if report != nil {
		if rerr := report.Render(os.Stdout, formatArg); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		log.Error("bench failed", zap.String("workload", workloadArg), zap.Error(err))
	}
	return err
}

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:          "run",
		Short:        "Run a workload and print its report",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runCommandFunc,
	}
	m.Flags().StringVarP(&workloadArg, "workload", "w", "transfer", "Workload, one of "+strings.Join(bench.Workloads(), ", "))
	m.Flags().IntVarP(&threadsArg, "threads", "t", 8, "Execute using n threads")
	m.Flags().IntVarP(&opsArg, "ops", "n", 100000, "Total number of operations")
	m.Flags().IntVar(&targetArg, "target", 0, "Attempt to do n operations per second (default: unlimited)")
	m.Flags().Int64Var(&seedArg, "seed", 0, "Random seed (default: current time)")
	m.Flags().StringVarP(&formatArg, "format", "f", bench.OutputStylePlain, "Report format: plain, table or json")
	m.Flags().StringVar(&statusAddrArg, "status-addr", "", "Serve /status and /metrics on this address")
	return m
}

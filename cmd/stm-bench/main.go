package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/util/logutil"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

// loadConfig reads the manager config from --config, or falls back to the defaults,
// and initializes the global logger from it.
func loadConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config %s failed: %v\n", configPath, err)
			os.Exit(1)
		}
	}
	if _, err := logutil.InitLogger(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg, zap.String("config", configPath))
	}
	return cfg
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective manager config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			fmt.Println(cfg.String())
		},
	}
}

func main() {
	defer logutil.LogPanic()
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()

		select {
		case <-sc:
			// send signal again, return directly
			fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		case <-closeDone:
			return
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "stm-bench",
		Short: "Benchmark and soak the STM transaction manager",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Manager config file, .toml or .yaml")

	rootCmd.AddCommand(
		newRunCommand(),
		newConfigCommand(),
	)

	cobra.EnablePrefixMatching = true

	code := 0
	if err := rootCmd.Execute(); err != nil {
		code = 1
	}

	globalCancel()
	closeDone <- struct{}{}
	log.Sync()
	if code != 0 {
		os.Exit(code)
	}
}

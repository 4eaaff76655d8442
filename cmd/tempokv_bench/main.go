// tempokv-bench drives load and transaction workloads against a tempokv
// cluster. `load` bulk-preloads keys through the HTTP/3 load endpoints;
// `run` executes transactions through per-client coordinators and reports
// throughput and latency.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tempokv/tempokv/pkg/logger"
	"go.uber.org/zap"
)

var (
	shardsFlag string
	logLevel   string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func shardList() []string {
	parts := strings.Split(shardsFlag, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func newLogger() (*zap.Logger, error) {
	return logger.New(logger.Config{Level: logLevel, Format: "console", OutputFile: "stderr"})
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		fmt.Printf("\nGot signal [%v], stopping.\n", sig)
		globalCancel()
	}()

	rootCmd := &cobra.Command{
		Use:   "tempokv-bench",
		Short: "Load and transaction benchmark for a tempokv cluster",
	}
	rootCmd.PersistentFlags().StringVar(&shardsFlag, "shards", "127.0.0.1:7420",
		"Comma-separated shard transaction addresses, in shard order")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(newLoadCommand(), newRunCommand())

	cobra.EnableCommandSorting = false
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	globalCancel()
}

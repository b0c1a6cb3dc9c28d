package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/okian/maestro/pkg/logger"
)

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// newRootCmd builds the maestro command tree writing results to out and logs to logOut.
func newRootCmd(out, logOut io.Writer) *cobra.Command {
	var logJSON bool

	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Fine-tune vision-language models with LoRA and keep the best checkpoints",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Initialize logging
			if err := logger.Init(logger.WithWriter(logOut), logger.WithJSON(logJSON)); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(logOut)
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON lines")

	root.AddCommand(newTrainCmd(), newJournalCmd())
	return root
}

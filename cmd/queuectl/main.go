package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	output     string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "queuectl - SQL task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default $QUEUECTL_CONFIG or queuectl.yaml)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "auto", "output format: auto, json or table")

	root.AddCommand(
		newServeCommand(g),
		newWorkerCommand(g),
		newSubmitCommand(g),
		newStatusCommand(g),
		newResultCommand(g),
		newCancelCommand(g),
		newListCommand(g),
		newHistoryCommand(g),
		newConfigCommand(g),
	)
	return root
}

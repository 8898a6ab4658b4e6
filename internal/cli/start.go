package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/talon/internal/agent"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the capture agent",
	Long:  "Binds the local socket, accepts hook events from taps, and delivers trace batches to the collector. Runs until SIGINT or SIGTERM.",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	addConfigFlags(startCmd)
	startCmd.Flags().StringVar(&flagSocket, "socket", "", "IPC endpoint to bind (default TALON_SOCK or platform default)")
	startCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "records per batch")
	startCmd.Flags().Int64Var(&flagBatchBytes, "batch-bytes", 0, "bytes per batch")
	startCmd.Flags().IntVar(&flagBatchMS, "batch-ms", 0, "max batch age in milliseconds")
	startCmd.Flags().IntVar(&flagQueueSize, "queue-size", 0, "ingress queue capacity")
	startCmd.Flags().Float64Var(&flagSampleRate, "sample-rate", -1, "sampling rate, reserved")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return usageErr(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return agent.New(cfg).Run(ctx)
}

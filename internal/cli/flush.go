package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/talon/internal/deliver"
	"github.com/ppiankov/talon/internal/spool"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Ship spooled records and exit",
	Long:  "Opens the spool without binding the socket and replays pending records to the collector. Exits zero only when the spool drained completely.",
	RunE:  runFlush,
}

func init() {
	rootCmd.AddCommand(flushCmd)
	addConfigFlags(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return usageErr(err)
	}

	sp, err := spool.Open(cfg.SpoolDir, cfg.SpoolBytes)
	if err != nil {
		return err
	}
	if sp.PendingBytes() == 0 {
		fmt.Fprintln(os.Stderr, "talon-agent: spool is empty")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := deliver.New(cfg.Endpoint, cfg.APIKey, cfg.Timeout())
	ship := func(records [][]byte) spool.Outcome {
		switch client.Ship(ctx, records) {
		case deliver.Shipped:
			return spool.Shipped
		case deliver.Permanent:
			return spool.Permanent
		default:
			return spool.Transient
		}
	}

	n, drained, err := sp.Replay(ship, spool.ReplayBatchSize, cfg.BatchBytes)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "talon-agent: flushed %d records\n", n)
	if !drained {
		return fmt.Errorf("flush incomplete: %d bytes still pending", sp.PendingBytes())
	}
	return nil
}

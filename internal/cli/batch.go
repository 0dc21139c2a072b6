package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

// batchCmd runs a single refresh pass and exits.
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one refresh batch and exit",
	Long: `Run one full refresh batch over the stored accounts and exit.

Useful from cron or for a manual kick after importing credentials.

Example:
  credkeeper batch --config config.yaml`,
	RunE: runBatch,
}

var batchFlags struct {
	Timeout time.Duration
}

func init() {
	batchCmd.Flags().DurationVar(&batchFlags.Timeout, "timeout", 10*time.Minute, "Batch timeout")

	RootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), batchFlags.Timeout)
	defer cancel()

	start := time.Now()
	if err := rt.coordinator.RunBatch(ctx); err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}
	log.Printf("Batch completed in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

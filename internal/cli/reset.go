package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

// resetCmd runs the daily usage reset once and exits.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset daily usage counters and exit",
	Long: `Reset the usage counter of every enabled account and re-mirror the
affected accounts into the cache.

The daemon does this automatically at the configured daily reset time;
this command is the manual equivalent.`,
	RunE: runReset,
}

func init() {
	RootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	affected, err := rt.transitioner.DailyReset(ctx)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	log.Printf("Usage counters reset on %d accounts", affected)
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sweetwatch/internal/app"
)

var syncCount int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch recent readings once and store the new ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncCount < 0 {
			return fmt.Errorf("--count cannot be negative")
		}
		return getApp().Sync(cmd.Context(), app.SyncOptions{Count: syncCount})
	},
}

func init() {
	syncCmd.Flags().IntVar(&syncCount, "count", 0, "Number of entries to request (defaults to scheduler.fetch_count)")
}

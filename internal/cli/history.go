package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sweetwatch/internal/app"
)

var (
	historyHours int
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display stored readings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyHours < 0 || historyLimit < 0 {
			return fmt.Errorf("--hours and --limit cannot be negative")
		}

		opts := app.HistoryOptions{
			Window: time.Duration(historyHours) * time.Hour,
			Limit:  historyLimit,
		}
		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyHours, "hours", 0, "Trailing window in hours (defaults to display.history_window)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum rows to display (defaults to display.history_limit)")
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sweetwatch/internal/app"
)

var (
	exportHours     int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored readings as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportHours < 0 {
			return fmt.Errorf("--hours cannot be negative")
		}

		opts := app.ExportOptions{
			Window:    time.Duration(exportHours) * time.Hour,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().IntVar(&exportHours, "hours", 0, "Trailing window in hours (defaults to display.history_window)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (default 288)")
}

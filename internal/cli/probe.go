package cli

import (
	"github.com/spf13/cobra"

	"sweetwatch/internal/app"
)

var probeCount int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Fetch live entries from the provider without storing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context(), app.ProbeOptions{Count: probeCount})
	},
}

func init() {
	probeCmd.Flags().IntVar(&probeCount, "count", 1, "Number of entries to request")
}

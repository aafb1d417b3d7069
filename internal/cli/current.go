package cli

import (
	"github.com/spf13/cobra"
)

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the newest stored reading",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Current(cmd.Context())
	},
}

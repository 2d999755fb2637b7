package cli

import (
	"github.com/spf13/cobra"

	"yield-attribution/internal/app"
)

var watchMaxTicks int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Explain the latest record on every scheduler tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), app.WatchOptions{MaxTicks: watchMaxTicks})
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchMaxTicks, "max-ticks", 0, "Stop after N ticks (0 runs until interrupted)")
}

package cli

import (
	"github.com/spf13/cobra"

	"yield-attribution/internal/app"
)

var (
	historyLimit       int
	historyFormat      string
	historyPredictions bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the most recent plant records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().History(cmd.Context(), app.HistoryOptions{
			Limit:       historyLimit,
			Format:      historyFormat,
			Predictions: historyPredictions,
		})
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of records to display")
	historyCmd.Flags().BoolVar(&historyPredictions, "predictions", false, "List audited predictions instead of records")
	historyCmd.Flags().StringVar(&historyFormat, "format", "text", "Output format: text, json or yaml")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"yield-attribution/internal/app"
	"yield-attribution/internal/dataset"
)

var (
	exportFrom          string
	exportTo            string
	exportPNGPath       string
	exportCSVPath       string
	exportMaxPoints     int
	exportMovingAverage int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the grade history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:       exportPNGPath,
			CSVPath:       exportCSVPath,
			MaxPoints:     exportMaxPoints,
			MovingAverage: exportMovingAverage,
		}

		if exportFrom != "" {
			from, err := dataset.ParseDay(exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := dataset.ParseDay(exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last day (YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	exportCmd.Flags().IntVar(&exportMovingAverage, "moving-average", 0, "Overlay a simple moving average over N days")
}

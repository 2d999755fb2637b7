package cli

import (
	"github.com/spf13/cobra"

	"yield-attribution/internal/app"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load a CSV history into PostgreSQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Import(cmd.Context(), app.ImportOptions{CSVPath: importCSVPath})
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "CSV file to import (defaults to dataset.csv_path)")
}

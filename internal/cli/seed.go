package cli

import (
	"github.com/spf13/cobra"

	"yield-attribution/internal/app"
)

var (
	seedRows     int
	seedSeed     uint64
	seedCSVPath  string
	seedDatabase bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate a synthetic plant history",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SeedOptions{
			Rows:     seedRows,
			CSVPath:  seedCSVPath,
			Database: seedDatabase,
		}
		if cmd.Flags().Changed("seed") {
			opts.Seed = &seedSeed
		}
		return getApp().Seed(cmd.Context(), opts)
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedRows, "rows", 0, "Number of days to generate (defaults to config)")
	seedCmd.Flags().Uint64Var(&seedSeed, "seed", 0, "Generator seed (defaults to config)")
	seedCmd.Flags().StringVar(&seedCSVPath, "csv", "", "Path to write the CSV history")
	seedCmd.Flags().BoolVar(&seedDatabase, "db", false, "Upsert the history into PostgreSQL")
}

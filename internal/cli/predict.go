package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"yield-attribution/internal/app"
	"yield-attribution/internal/dataset"
)

var (
	predictDate    string
	predictFormat  string
	predictPNGPath string
	predictNotify  bool
	predictInputs  [dataset.NumFeatures]float64
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the grade for one day and explain it as a waterfall",
	Long: "Predict starts from the recorded inputs of --date (the latest day when omitted). " +
		"Each feature flag that is set replaces that input before the forest is queried.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PredictOptions{
			Format:    predictFormat,
			PNGPath:   predictPNGPath,
			Notify:    predictNotify,
			Overrides: make(map[dataset.Feature]float64),
		}

		if predictDate != "" {
			date, err := dataset.ParseDay(predictDate)
			if err != nil {
				return fmt.Errorf("invalid --date value: %w", err)
			}
			opts.Date = &date
		}

		for _, f := range dataset.Features {
			if cmd.Flags().Changed(f.String()) {
				opts.Overrides[f] = predictInputs[f]
			}
		}

		return getApp().Predict(cmd.Context(), opts)
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictDate, "date", "", "Record day (YYYY-MM-DD); defaults to the latest")
	predictCmd.Flags().StringVar(&predictFormat, "format", "text", "Output format: text, json or yaml")
	predictCmd.Flags().StringVar(&predictPNGPath, "png", "", "Path to write the waterfall chart")
	predictCmd.Flags().BoolVar(&predictNotify, "notify", false, "Send the report through the configured alert channels")

	names := dataset.DefaultNames()
	for _, f := range dataset.Features {
		predictCmd.Flags().Float64Var(&predictInputs[f], f.String(), 0, fmt.Sprintf("Override %s", names.Get(f)))
	}
}

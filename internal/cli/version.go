package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"yield-attribution/internal/version"
)

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// Skips config loading so the command works without a valid config.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		out := cmd.OutOrStdout()
		switch versionFormat {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		case "yaml":
			enc := yaml.NewEncoder(out)
			if err := enc.Encode(info); err != nil {
				return err
			}
			return enc.Close()
		case "", "text":
			fmt.Fprintf(out, "version: %s\ncommit: %s\nbuilt: %s\ngo: %s\n", info.Version, info.Commit, info.BuildDate, info.GoVersion)
			return nil
		}
		return fmt.Errorf("unknown output format %q", versionFormat)
	},
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "text", "Output format: text, json or yaml")
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd prints the effective configuration after defaults.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Backend.APIKey != "" {
			shown.Backend.APIKey = "****"
		}

		fmt.Printf("# loaded from %s\n", cfgPath)
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(&shown)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

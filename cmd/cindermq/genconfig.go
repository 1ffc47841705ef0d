package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nilsen/cindermq/internal/config"
)

var genConfigOut string

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Write the default configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(config.Default())
		if err != nil {
			return err
		}
		if genConfigOut == "-" || genConfigOut == "" {
			fmt.Print(string(out))
			return nil
		}
		return os.WriteFile(genConfigOut, out, 0o644)
	},
}

func init() {
	rootCmd.AddCommand(genConfigCmd)
	genConfigCmd.Flags().StringVarP(&genConfigOut, "out", "o", "-", "output path, or - for stdout")
}

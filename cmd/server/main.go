package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"folio/internal/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	envFile    string
}

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "folio",
		Short:         "Portfolio refresh engine and status server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath(), "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional .env file loaded before the config")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(sessionsCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return config.Config{}, fmt.Errorf("load %s: %w", flags.envFile, err)
	}
	return config.Load(flags.configPath)
}

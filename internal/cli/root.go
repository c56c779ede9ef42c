// Package cli implements the agentgate command-line interface.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentgate/agentgate/internal/config"
)

var (
	cfgFile string
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "Orchestration server for AI coding agents",
	Long: `AgentGate schedules work orders for AI coding agents and drives each
one through a bounded build, snapshot, verify, feedback loop inside an
isolated sandbox.

Common commands:
  agentgate serve      Start the API server and scheduler
  agentgate orders     Inspect persisted work orders
  agentgate validate   Check stored work-order files for corruption
  agentgate purge      Remove terminal work orders`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./agentgate.yaml, then $HOME/.agentgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"data directory (overrides config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newOrdersCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig discovers the config file location. Resolution itself
// (defaults, then YAML, then AGENTGATE_* overrides) happens in
// config.LoadFrom so the server and the CLI agree on precedence.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.agentgate")
		viper.SetConfigType("yaml")
		viper.SetConfigName("agentgate")
	}

	viper.SetEnvPrefix("AGENTGATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		cfgFile = viper.ConfigFileUsed()
	}
}

// loadConfig resolves the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(cfgFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

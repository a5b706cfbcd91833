package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/qwdingyu/testflow/internal/cmd/config"
	"github.com/qwdingyu/testflow/internal/cmd/planning"
	"github.com/qwdingyu/testflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "testflow",
	Short: "Test-bench automation engine",
	Long: `testflow executes declarative test plans against bench devices.

A plan is a graph of device commands with dependencies. Independent steps run
concurrently, shared instruments are serialized, and bus devices keep their
periodic traffic on a real-time scheduler while the plan runs.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/testflow/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level when logging is enabled: debug, info, warn, error (overrides logging.level)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	configcmd.Register(rootCmd)
	planning.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/testflow")
		viper.AddConfigPath(".")
	}

	// TESTFLOW_SCHEDULER_QUANTUM_MS for scheduler.quantum_ms
	config.BindEnv()

	// A missing file is fine; a broken one is reported
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

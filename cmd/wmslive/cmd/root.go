package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is reported to OpenTelemetry as the instrumentation version.
var Version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wmslive",
	Short: "Live update client for the warehouse management dashboard",
	Long: `wmslive keeps one connection to the warehouse management backend and
fans its real-time events (vehicle positions, order changes, stock levels)
out to any number of topic listeners.

Every flag can also be set through a WMSLIVE_ environment variable, for
example WMSLIVE_RECONNECT_DELAY=10s or WMSLIVE_LOG_LEVEL=debug.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initViper() {
	viper.SetEnvPrefix("wmslive")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogger() (*zap.Logger, error) {
	level := viper.GetString("log-level")
	debugFlag := viper.GetBool("debug")

	if debugFlag {
		level = "debug"
	} else if viper.GetBool("verbose") && level == "info" {
		level = "debug"
	}

	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}

	zapLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debugFlag

	return config.Build()
}

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/infersched/internal/config"
	"github.com/Iron-Ham/infersched/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// readErr holds a config file that exists but could not be read.
	readErr error
)

var rootCmd = &cobra.Command{
	Use:   "infersched",
	Short: "Priority scheduler and autoscaler for model inference",
	Long: `infersched admits inference requests into a priority queue, starts them
only when the target has resource headroom, retries transient provider
failures and scales serving capacity from live utilization.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/infersched/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	// e.g., INFERSCHED_QUEUE_CONCURRENCY for queue.concurrency
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if logLevel != "" {
		viper.Set("logging.level", logLevel)
	}

	readErr = nil
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			readErr = fmt.Errorf("read config: %w", err)
		}
	}
}

// loadConfig returns the validated configuration and a logger built from it.
func loadConfig() (*config.Config, *logging.Logger, error) {
	if readErr != nil {
		return nil, nil, readErr
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/infersched/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create infersched configuration",
	Long: `View or create infersched configuration.

Without arguments, displays the effective configuration: defaults merged
with the config file and INFERSCHED_* environment variables.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/infersched/config.yaml with every option and its default.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if readErr != nil {
		return readErr
	}
	w := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(w, "# Config file: (none - using defaults)")
	}
	return writeSettings(w, viper.AllSettings())
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if cfgFile != "" {
		configFile = cfgFile
	}

	if _, err := os.Stat(configFile); err == nil && !configInitForce {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", configFile)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	config.SetDefaultsOn(v)

	f, err := os.Create(configFile)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	fmt.Fprintln(f, "# infersched configuration")
	fmt.Fprintln(f, "# Every key can be overridden with INFERSCHED_<SECTION>_<KEY>, e.g. INFERSCHED_QUEUE_CONCURRENCY.")
	fmt.Fprintln(f, "# Autoscaling targets may be glob patterns such as \"llama-*\"; \"default\" applies otherwise.")
	if err := writeSettings(f, v.AllSettings()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	newPrinter(cmd.OutOrStdout()).Success("Created config file at %s", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(w, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(w, "\nSearch paths:")
	fmt.Fprintf(w, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(w, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(w, "\nEnvironment variables: %s_* (e.g., %s_QUEUE_CONCURRENCY)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}

// writeSettings renders viper settings as YAML. Durations are written in
// their string form so the output can be read back.
func writeSettings(w io.Writer, settings map[string]any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(humanize(settings)); err != nil {
		return err
	}
	return enc.Close()
}

func humanize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = humanize(val)
		}
		return out
	case time.Duration:
		return t.String()
	default:
		return v
	}
}

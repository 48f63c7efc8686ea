package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/infersched/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Long: `Validate loads the configuration from the config file, environment and
defaults, and reports every invalid field at once. It exits non-zero when
anything is wrong.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd.OutOrStdout())

	if readErr != nil {
		p.Fail("%v", readErr)
		return readErr
	}

	source := viper.ConfigFileUsed()
	if source == "" {
		source = "(none - using defaults)"
	}
	p.Field("Config file", "%s", source)

	cfg, err := config.Load()
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			p.Fail("%d problem(s) found:", len(verrs))
			for _, v := range verrs {
				p.Fail("  %s", v.Error())
			}
			return fmt.Errorf("configuration is invalid")
		}
		p.Fail("%v", err)
		return err
	}

	p.Success("Configuration is valid")
	for _, key := range sortedKeys(cfg.Autoscaling.Targets) {
		c := cfg.Autoscaling.Targets[key]
		p.Muted("  autoscaling %s: %d-%d instances, up above %.0f%%, down below %.0f%%, cooldown %s",
			key, c.MinInstances, c.MaxInstances, c.ScaleUpThreshold, c.ScaleDownThreshold, c.CooldownPeriod)
	}
	return nil
}

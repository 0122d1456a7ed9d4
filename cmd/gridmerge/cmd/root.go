package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/gridmerge/internal/common"
	"github.com/G-Research/gridmerge/internal/common/app"
	commonconfig "github.com/G-Research/gridmerge/internal/common/config"
	"github.com/G-Research/gridmerge/internal/common/logging"
	"github.com/G-Research/gridmerge/internal/gridmerge/configuration"
)

const (
	CustomConfigLocation string = "config"
	baseConfigFlag       string = "macfile"
	workersFlag          string = "workers"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gridmerge",
		SilenceUsage: true,
		Short:        "gridmerge splits a simulation into a grid of jobs and merges their outputs per projection",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(baseConfigFlag, "", "Base control file the grid is derived from")
	cmd.PersistentFlags().Int(workersFlag, 0, "Number of workers the grid is split over")

	cmd.AddCommand(
		planCmd(),
		coordinateCmd(),
		workCmd(),
		localCmd(),
	)

	return cmd
}

func bindFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	for key, flag := range map[string]string{
		CustomConfigLocation: CustomConfigLocation,
		"job.baseConfig":     baseConfigFlag,
		"job.workers":        workersFlag,
	} {
		if f := flags.Lookup(flag); f != nil && (key == CustomConfigLocation || f.Changed) {
			if err := viper.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (configuration.GridMergeConfiguration, error) {
	var config configuration.GridMergeConfiguration
	if err := bindFlags(cmd); err != nil {
		return config, err
	}
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if err := common.LoadConfig(&config, common.ConfigDir("gridmerge"), userSpecifiedConfigs); err != nil {
		return config, err
	}

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, logging.Configure(config.Logging)
}

// run loads the config and calls f with a context cancelled on SIGINT or SIGTERM.
func run(cmd *cobra.Command, f func(ctx context.Context, config configuration.GridMergeConfiguration) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stopMetrics := common.ServeMetrics(config.Metrics.Port)
	defer stopMetrics()

	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	if err := f(ctx, config); err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("run failed")
		return err
	}
	return nil
}

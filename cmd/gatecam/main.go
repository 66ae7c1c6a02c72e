package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/esimov/gatecam/config"
	"github.com/esimov/gatecam/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const HelpBanner = `
┌─┐┌─┐┌┬┐┌─┐┌─┐┌─┐┌┬┐
│ ┬├─┤ │ ├┤ │  ├─┤│││
└─┘┴ ┴ ┴ └─┘└─┘┴ ┴┴ ┴

Face gated access control camera.
    Version: %s

`

// Version indicates the current build version.
var Version string

func main() {
	utils.DisableColors(!utils.IsTerminal(os.Stderr))

	// A missing .env file is fine, the settings have defaults.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, utils.DecorateText(err.Error(), utils.ErrorMessage))
		stop()
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:           "gatecam",
		Short:         "Face gated access control camera",
		Long:          fmt.Sprintf(HelpBanner, Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (default gatecam.yaml)")
	flags.StringP("mode", "m", "gated", "Pipeline mode: gated or direct")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("source", "", "Replay source: image directory, file or snapshot URL")

	for key, name := range map[string]string{
		"mode":          "mode",
		"debug":         "debug",
		"sensor.source": "source",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	load := func() (*config.Settings, error) {
		return config.Load(v, configPath)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the capture loop",
			RunE: func(cmd *cobra.Command, _ []string) error {
				settings, err := load()
				if err != nil {
					return err
				}
				err = run(cmd.Context(), settings)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				settings, err := load()
				if err != nil {
					return err
				}
				return settings.Dump(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "gatecam %s\n", Version)
			},
		},
	)
	return root
}

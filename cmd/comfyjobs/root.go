package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfyjobs/config"
	"github.com/richinsley/comfyjobs/logging"
)

const cliExecutable = "comfyjobs"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	logCloser io.Closer
}

func newRootCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		a              = &app{log: zerolog.Nop()}
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Queue and track ComfyUI image generation jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager()
			if err := mgr.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			a.cfg = mgr.Get()

			logger, closer, err := logging.New(a.cfg.Log)
			if err != nil {
				return err
			}
			level, _ := logging.ParseLevel(a.cfg.Log.Level)
			a.log = logger.Level(logging.Verbosity(level, verbosityCount))
			a.logCloser = closer
			a.log.Debug().Str("backend", a.cfg.Backend.URL).Msg("configuration loaded")
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newGenerateCommand(a))
	cmd.AddCommand(newStatsCommand(a))
	return cmd
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/controller"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/spf13/cobra"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the recording controller",
	Long: `Run the recording controller.

Nodes connect to the listen address over WebSocket. Nodes listed under
"nodes" in the config file are dialed by the controller instead. The
operator API serves health, metrics and session control.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen, _ = cmd.Flags().GetString("listen")
		}
		if cmd.Flags().Changed("api-addr") {
			cfg.API.Addr, _ = cmd.Flags().GetString("api-addr")
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		} else {
			log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Output: os.Stderr})
		}

		controller.Version = Version
		ctl, err := controller.New(cfg)
		if err != nil {
			return err
		}

		logger := log.WithComponent("cli")
		ctl.OnSessionStateChanged(func(s types.Session) {
			logger.Info().
				Str("session_id", s.ID).
				Str("state", string(s.State)).
				Str("cause", string(s.Cause)).
				Msg("Session")
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return ctl.Run(ctx)
	},
}

func init() {
	controllerCmd.Flags().String("config", "", "Path to the YAML config file")
	controllerCmd.Flags().String("listen", "", "Address nodes connect to (overrides config)")
	controllerCmd.Flags().String("api-addr", "", "Operator API address (overrides config)")
	controllerCmd.Flags().String("data-dir", "", "Directory for the session archive (overrides config)")
}

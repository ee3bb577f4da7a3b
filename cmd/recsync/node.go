package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/agent"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a simulated recording node",
	Long: `Run a reference recording node.

The node either dials the controller (--controller) or waits for the
controller to dial it (--listen). --offset skews its clock so
synchronization can be observed on a single machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		controllerAddr, _ := cmd.Flags().GetString("controller")
		listen, _ := cmd.Flags().GetString("listen")
		offset, _ := cmd.Flags().GetDuration("offset")
		modalities, _ := cmd.Flags().GetStringSlice("modalities")

		a, err := agent.New(agent.Config{
			NodeID:         id,
			ControllerAddr: controllerAddr,
			ListenAddr:     listen,
			Modalities:     modalities,
			ClockOffset:    offset,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

func init() {
	nodeCmd.Flags().String("id", "", "Node id")
	nodeCmd.Flags().String("controller", "", "Controller address to dial (host:port)")
	nodeCmd.Flags().String("listen", "", "Accept the controller's dial on this address instead")
	nodeCmd.Flags().Duration("offset", 0, "Simulated clock offset, e.g. 1.5ms or -20ms")
	nodeCmd.Flags().StringSlice("modalities", []string{"rgb"}, "Capture modalities this node offers")
	_ = nodeCmd.MarkFlagRequired("id")
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Node inventory commands
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect and retire nodes",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes known to the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		nodes, err := apiClient(cmd).ListNodes(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%-16s  %-11s  %5s  %10s  %8s  %-7s  %s\n",
			"ID", "STATE", "EPOCH", "OFFSET", "RTT", "TRUSTED", "CAPABILITIES")
		for _, n := range nodes {
			fmt.Printf("%-16s  %-11s  %5d  %8.3fms  %6.2fms  %-7t  %v\n",
				n.ID, n.State, n.Epoch, n.Clock.OffsetMs, n.Clock.RoundTripMs, n.ClockTrusted, n.Capabilities)
		}
		return nil
	},
}

var nodesRetireCmd = &cobra.Command{
	Use:   "retire NODE",
	Short: "Retire a node id; the controller refuses it from then on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		n, err := apiClient(cmd).RetireNode(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Node %s is %s\n", n.ID, n.State)
		return nil
	},
}

func init() {
	nodesCmd.PersistentFlags().String("api", "127.0.0.1:7480", "Controller API address")

	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesRetireCmd)
}

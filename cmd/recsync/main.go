package main

import (
	"fmt"
	"os"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recsync",
	Short: "recsync - synchronized multi-node recording controller",
	Long: `recsync coordinates recording sessions across networked sensing nodes.

The controller estimates each node's clock offset, watches node liveness
and starts capture on every participant at the same instant by sending
each node a start time expressed in its own clock.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut, Output: os.Stderr})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"recsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console text")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(nodesCmd)
}

package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/api"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/client"
	"github.com/spf13/cobra"
)

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api")
	return client.NewClient(addr)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), client.DefaultTimeout)
}

// Session commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Control recording sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start [NODE...]",
	Short: "Start a session on the given nodes, or on every eligible node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		id, err := apiClient(cmd).StartSession(ctx, args)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop SESSION",
	Short: "Stop a recording session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		s, err := apiClient(cmd).StopSession(ctx, args[0])
		if err != nil {
			return err
		}
		printSession(s)
		return nil
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel SESSION",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		s, err := apiClient(cmd).CancelSession(ctx, args[0])
		if err != nil {
			return err
		}
		printSession(s)
		return nil
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status [SESSION]",
	Short: "Show a session, the current one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		c := apiClient(cmd)

		if len(args) == 1 {
			s, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			printSession(s)
			return nil
		}
		s, ok, err := c.CurrentSession(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("No session")
			return nil
		}
		printSession(s)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current and archived sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		sessions, err := apiClient(cmd).ListSessions(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-10s  %-18s  %s\n", "ID", "STATE", "CAUSE", "CREATED")
		for _, s := range sessions {
			fmt.Printf("%-36s  %-10s  %-18s  %s\n", s.ID, s.State, s.Cause, s.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func printSession(s api.SessionView) {
	fmt.Printf("Session %s\n", s.ID)
	fmt.Printf("  State:        %s", s.State)
	if s.Cause != "" {
		fmt.Printf(" (%s)", s.Cause)
	}
	fmt.Println()
	if s.Detail != "" {
		fmt.Printf("  Detail:       %s\n", s.Detail)
	}
	fmt.Printf("  Quorum:       %d of %d\n", s.Quorum, len(s.Participants))
	if !s.MasterStart.IsZero() {
		fmt.Printf("  Master start: %s (lead %.0fms)\n", s.MasterStart.Format(time.RFC3339Nano), s.LeadTimeMs)
	}

	ids := make([]string, 0, len(s.Acks))
	for id := range s.Acks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Printf("  %-16s  %-10s  %-10s  %10s  %s\n", "NODE", "START", "STOP", "OFFSET", "ERROR")
	for _, id := range ids {
		a := s.Acks[id]
		stop := a.StopStatus
		if stop == "" {
			stop = "-"
		}
		fmt.Printf("  %-16s  %-10s  %-10s  %8.3fms  %s\n", id, a.StartStatus, stop, a.OffsetMs, a.ErrorCode)
	}
}

func init() {
	sessionCmd.PersistentFlags().String("api", "127.0.0.1:7480", "Controller API address")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionListCmd)
}

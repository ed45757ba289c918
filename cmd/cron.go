package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage recurring schedules",
	}
	cmd.AddCommand(cronCreateCmd())
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronToggleCmd("enable", protocol.MethodCronEnable))
	cmd.AddCommand(cronToggleCmd("disable", protocol.MethodCronDisable))
	cmd.AddCommand(cronDeleteCmd())
	return cmd
}

func cronCreateCmd() *cobra.Command {
	var (
		agent, timezone, to string
	)
	cmd := &cobra.Command{
		Use:   "create <cron-expr> <text>",
		Short: "Create a schedule that sends an envelope on each fire",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Schedule *store.CronSchedule `json:"schedule"`
			}
			err := call(protocol.MethodCronCreate, map[string]any{
				"agentName": agent,
				"cron":      args[0],
				"timezone":  timezone,
				"to":        to,
				"content":   store.EnvelopeContent{Text: args[1]},
			}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("schedule %s created (%s → %s)\n",
				result.Schedule.ID[:8], result.Schedule.Cron, result.Schedule.To)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "owning agent (defaults to the calling agent)")
	cmd.Flags().StringVar(&to, "to", "", "destination address, e.g. agent:planner")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for the expression")
	cmd.MarkFlagRequired("to")
	return cmd
}

func cronListCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Schedules []*store.CronSchedule `json:"schedules"`
			}
			if err := call(protocol.MethodCronList, map[string]any{"agentName": agent}, &result); err != nil {
				return err
			}
			for _, s := range result.Schedules {
				state := "enabled"
				if !s.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-9s %-16s %s → %s\n", s.ID[:8], state, s.Cron, s.AgentName, s.To)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by owning agent")
	return cmd
}

func cronToggleCmd(verb, method string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id-or-prefix>",
		Short: verb + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(method, map[string]any{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("schedule %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id-or-prefix>",
		Short: "Delete a schedule and close its pending envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(protocol.MethodCronDelete, map[string]any{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("schedule %s deleted\n", args[0])
			return nil
		},
	}
}

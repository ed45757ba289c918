package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentStatusCmd())
	cmd.AddCommand(agentSetCmd())
	cmd.AddCommand(agentPolicyCmd())
	cmd.AddCommand(agentDeleteCmd())
	cmd.AddCommand(agentBindCmd())
	cmd.AddCommand(agentUnbindCmd())
	cmd.AddCommand(agentRefreshCmd())
	cmd.AddCommand(agentAbortCmd())
	return cmd
}

// call performs one authenticated request against the daemon.
func call(method string, params map[string]any, result any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := callCtx()
	defer cancel()

	if params == nil {
		params = map[string]any{}
	}
	params["token"] = resolveToken()
	return client.Call(ctx, method, params, result)
}

func agentRegisterCmd() *cobra.Command {
	var (
		description, workspace, provider, model, effort, level string
	)
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a new agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Agent *store.Agent `json:"agent"`
				Token string       `json:"token"`
			}
			err := call(protocol.MethodAgentRegister, map[string]any{
				"name":            args[0],
				"description":     description,
				"workspace":       workspace,
				"provider":        provider,
				"model":           model,
				"reasoningEffort": effort,
				"permissionLevel": level,
			}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("agent %s registered (provider %s)\n", result.Agent.Name, result.Agent.Provider)
			fmt.Println()
			fmt.Println("agent token (shown only once):", result.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what this agent does")
	cmd.Flags().StringVar(&workspace, "workspace", "", "working directory for the provider CLI")
	cmd.Flags().StringVar(&provider, "provider", store.ProviderClaude, "provider: claude or codex")
	cmd.Flags().StringVar(&model, "model", "", "provider model override")
	cmd.Flags().StringVar(&effort, "effort", "", "reasoning effort: none|low|medium|high|xhigh")
	cmd.Flags().StringVar(&level, "level", "", "permission level (default restricted)")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Agents []*store.Agent `json:"agents"`
			}
			if err := call(protocol.MethodAgentList, nil, &result); err != nil {
				return err
			}
			if len(result.Agents) == 0 {
				fmt.Println("no agents registered")
				return nil
			}
			for _, a := range result.Agents {
				seen := "never"
				if a.LastSeenAt != nil {
					seen = time.UnixMilli(*a.LastSeenAt).Format(time.RFC3339)
				}
				fmt.Printf("%-20s %-8s %-12s last seen %s\n", a.Name, a.Provider, a.PermissionLevel, seen)
			}
			return nil
		},
	}
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show one agent's recent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Agent            *store.Agent      `json:"agent"`
				RecentRuns       []*store.AgentRun `json:"recentRuns"`
				PendingEnvelopes int               `json:"pendingEnvelopes"`
				InflightRunID    string            `json:"inflightRunId"`
			}
			if err := call(protocol.MethodAgentStatus, map[string]any{"name": args[0]}, &result); err != nil {
				return err
			}
			a := result.Agent
			fmt.Printf("agent:    %s (%s", a.Name, a.Provider)
			if a.Model != "" {
				fmt.Printf(" / %s", a.Model)
			}
			fmt.Println(")")
			fmt.Printf("pending:  %d envelopes\n", result.PendingEnvelopes)
			if result.InflightRunID != "" {
				fmt.Printf("running:  %s\n", result.InflightRunID)
			}
			if len(result.RecentRuns) > 0 {
				fmt.Println("recent runs:")
				for _, r := range result.RecentRuns {
					fmt.Printf("  %s  %-10s %d envelopes", r.ID[:8], r.Status, len(r.EnvelopeIDs))
					if r.Usage.ContextLength > 0 {
						fmt.Printf("  ctx %d", r.Usage.ContextLength)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
}

func agentSetCmd() *cobra.Command {
	var (
		description, workspace, provider, model, effort, level string
	)
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Update agent fields (only the flags you pass change)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"name": args[0]}
			for flag, value := range map[string]*string{
				"description": &description,
				"workspace":   &workspace,
				"provider":    &provider,
				"model":       &model,
			} {
				if cmd.Flags().Changed(flag) {
					params[flag] = *value
				}
			}
			if cmd.Flags().Changed("effort") {
				params["reasoningEffort"] = effort
			}
			if cmd.Flags().Changed("level") {
				params["permissionLevel"] = level
			}
			if len(params) == 1 {
				return fmt.Errorf("nothing to change, pass at least one flag")
			}
			if err := call(protocol.MethodAgentSet, params, nil); err != nil {
				return err
			}
			fmt.Printf("agent %s updated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what this agent does")
	cmd.Flags().StringVar(&workspace, "workspace", "", "working directory for the provider CLI")
	cmd.Flags().StringVar(&provider, "provider", "", "provider: claude or codex")
	cmd.Flags().StringVar(&model, "model", "", "provider model override")
	cmd.Flags().StringVar(&effort, "effort", "", "reasoning effort: none|low|medium|high|xhigh")
	cmd.Flags().StringVar(&level, "level", "", "permission level")
	return cmd
}

func agentPolicyCmd() *cobra.Command {
	var (
		dailyResetAt                 string
		idleTimeoutMs, maxContextLen int64
	)
	cmd := &cobra.Command{
		Use:   "policy <name>",
		Short: "Set when the agent's provider session is reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := call(protocol.MethodAgentSessionPolicySet, map[string]any{
				"name": args[0],
				"sessionPolicy": map[string]any{
					"dailyResetAt":     dailyResetAt,
					"idleTimeoutMs":    idleTimeoutMs,
					"maxContextLength": maxContextLen,
				},
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("session policy updated for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&dailyResetAt, "daily-reset-at", "", "local HH:MM boundary for a daily fresh session")
	cmd.Flags().Int64Var(&idleTimeoutMs, "idle-timeout-ms", 0, "refresh the session after this much idle time")
	cmd.Flags().Int64Var(&maxContextLen, "max-context-length", 0, "refresh once reported context exceeds this")
	return cmd
}

func agentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an agent and everything bound to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(protocol.MethodAgentDelete, map[string]any{"name": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("agent %s deleted\n", args[0])
			return nil
		},
	}
}

func agentBindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bind <name> <adapter-type> <adapter-token>",
		Short: "Bind an agent to a chat (e.g. a telegram chat id)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := call(protocol.MethodAgentBind, map[string]any{
				"name":         args[0],
				"adapterType":  args[1],
				"adapterToken": args[2],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("agent %s bound to %s\n", args[0], args[1])
			return nil
		},
	}
}

func agentUnbindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <name> <adapter-type>",
		Short: "Remove an agent's adapter binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := call(protocol.MethodAgentUnbind, map[string]any{
				"name":        args[0],
				"adapterType": args[1],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("agent %s unbound from %s\n", args[0], args[1])
			return nil
		},
	}
}

func agentRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <name>",
		Short: "Start a fresh provider session on the agent's next turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(protocol.MethodAgentRefresh, map[string]any{"name": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("session refresh queued for %s\n", args[0])
			return nil
		},
	}
}

func agentAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <name>",
		Short: "Abort the agent's in-flight turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Aborted bool `json:"aborted"`
			}
			if err := call(protocol.MethodAgentAbort, map[string]any{"name": args[0]}, &result); err != nil {
				return err
			}
			if result.Aborted {
				fmt.Println("run aborted")
			} else {
				fmt.Println("no run in flight")
			}
			return nil
		},
	}
}

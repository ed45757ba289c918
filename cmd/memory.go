package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage agent memories",
	}
	cmd.AddCommand(memoryStoreCmd())
	cmd.AddCommand(memoryRecallCmd())
	cmd.AddCommand(memoryClearCmd())
	return cmd
}

func memoryStoreCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "store <content>",
		Short: "Store a memory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := call(protocol.MethodMemoryStore, map[string]any{
				"agentName": agent,
				"content":   args[0],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println("memory stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "target agent (boss callers must set this)")
	return cmd
}

func memoryRecallCmd() *cobra.Command {
	var (
		agent string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Recall memories by keyword, newest first without a query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			var result struct {
				Memories []*store.Memory `json:"memories"`
			}
			err := call(protocol.MethodMemoryRecall, map[string]any{
				"agentName": agent,
				"query":     query,
				"limit":     limit,
			}, &result)
			if err != nil {
				return err
			}
			for _, m := range result.Memories {
				created := time.UnixMilli(m.CreatedAt).Format("2006-01-02")
				fmt.Printf("%s  %s\n", created, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "target agent (boss callers must set this)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func memoryClearCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all of an agent's memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Cleared int64 `json:"cleared"`
			}
			err := call(protocol.MethodMemoryClear, map[string]any{"agentName": agent}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("%d memories cleared\n", result.Cleared)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "target agent (boss callers must set this)")
	return cmd
}

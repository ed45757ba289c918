package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func envelopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "envelope",
		Aliases: []string{"env"},
		Short:   "Send and inspect envelopes",
	}
	cmd.AddCommand(envelopeSendCmd())
	cmd.AddCommand(envelopeListCmd())
	cmd.AddCommand(envelopeGetCmd())
	return cmd
}

func envelopeSendCmd() *cobra.Command {
	var (
		from      string
		deliverIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <to> <text>",
		Short: "Send an envelope (to agent:<name> or channel:<adapter>:<chat>)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"to":      args[0],
				"content": store.EnvelopeContent{Text: args[1]},
			}
			if from != "" {
				params["from"] = from
			}
			if deliverIn > 0 {
				params["deliverAt"] = time.Now().Add(deliverIn).UnixMilli()
			}
			var result struct {
				Envelope *store.Envelope `json:"envelope"`
			}
			if err := call(protocol.MethodEnvelopeSend, params, &result); err != nil {
				return err
			}
			fmt.Printf("envelope %s → %s\n", result.Envelope.ID, result.Envelope.To)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address (boss callers must set this, e.g. agent:planner)")
	cmd.Flags().DurationVar(&deliverIn, "in", 0, "defer delivery, e.g. --in 2h")
	return cmd
}

func envelopeListCmd() *cobra.Command {
	var (
		to, status string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List envelopes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Envelopes []*store.Envelope `json:"envelopes"`
			}
			err := call(protocol.MethodEnvelopeList, map[string]any{
				"to":     to,
				"status": status,
				"limit":  limit,
			}, &result)
			if err != nil {
				return err
			}
			for _, e := range result.Envelopes {
				created := time.UnixMilli(e.CreatedAt).Format("2006-01-02 15:04:05")
				fmt.Printf("%s  %-7s  %s  %s → %s\n", e.ID[:8], e.Status, created, e.From, e.To)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "filter by destination address")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: pending|done")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (default 50)")
	return cmd
}

func envelopeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id-or-prefix>",
		Short: "Show one envelope (short id prefixes of 8+ chars work)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Envelope *store.Envelope `json:"envelope"`
			}
			if err := call(protocol.MethodEnvelopeGet, map[string]any{"id": args[0]}, &result); err != nil {
				return err
			}
			e := result.Envelope
			fmt.Printf("id:       %s\n", e.ID)
			fmt.Printf("from:     %s\n", e.From)
			fmt.Printf("to:       %s\n", e.To)
			fmt.Printf("status:   %s\n", e.Status)
			fmt.Printf("created:  %s\n", time.UnixMilli(e.CreatedAt).Format(time.RFC3339))
			if e.DeliverAt != nil {
				fmt.Printf("deliver:  %s\n", time.UnixMilli(*e.DeliverAt).Format(time.RFC3339))
			}
			if e.Content.Text != "" {
				fmt.Printf("text:     %s\n", e.Content.Text)
			}
			for _, a := range e.Content.Attachments {
				fmt.Printf("attach:   %s\n", a.Source)
			}
			return nil
		},
	}
}

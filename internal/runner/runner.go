// Package runner spawns the provider CLI (Claude Code or Codex) for one
// turn: write the prompt, parse the JSONL event stream on stdout, and
// reap the process. Each turn is one short-lived child in its own
// process group.
package runner

import (
	"context"

	"github.com/hiboss-dev/hiboss/internal/sessions"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// TurnStatus is the outcome class of a turn.
type TurnStatus string

const (
	TurnSuccess   TurnStatus = "success"
	TurnCancelled TurnStatus = "cancelled"
)

// TurnResult is what one provider CLI invocation produced.
type TurnResult struct {
	Status    TurnStatus
	FinalText string
	Usage     store.RunUsage
	SessionID string
}

// Options carries per-turn invocation context. Cancellation needs no
// callback: each runner watches its ctx and signals the child's process
// group itself.
type Options struct {
	AgentName    string
	Workspace    string
	SystemPrompt string
}

// Runner executes one turn against a provider session.
type Runner interface {
	RunTurn(ctx context.Context, session *sessions.Handle, turnInput string, opts Options) (*TurnResult, error)
}

// ForProvider returns the runner for an agent's provider, or nil for an
// unknown provider.
func ForProvider(provider, claudeBin, codexBin string) Runner {
	switch provider {
	case store.ProviderClaude:
		return &ClaudeRunner{Bin: claudeBin}
	case store.ProviderCodex:
		return &CodexRunner{Bin: codexBin}
	default:
		return nil
	}
}

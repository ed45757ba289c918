// Package prompts renders the system prompt and the per-turn input fed to
// the provider CLI.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hiboss-dev/hiboss/internal/store"
)

// Renderer builds prompt strings from the boss and agent profiles on disk.
type Renderer struct {
	dataDir string
}

func NewRenderer(dataDir string) *Renderer {
	return &Renderer{dataDir: dataDir}
}

// SystemPrompt concatenates the boss profile (BOSS.md) and the agent's
// SOUL.md with a short operating preamble. Missing profile files are
// skipped, not fatal.
func (r *Renderer) SystemPrompt(agent *store.Agent) string {
	var b strings.Builder

	b.WriteString("You are ")
	b.WriteString(agent.Name)
	b.WriteString(", a long-lived assistant agent working for a single human boss.\n")
	if agent.Description != "" {
		b.WriteString("Role: ")
		b.WriteString(agent.Description)
		b.WriteString("\n")
	}
	b.WriteString("Messages arrive as envelopes; reply with the message you want delivered back.\n")

	if boss := readProfile(filepath.Join(r.dataDir, "BOSS.md")); boss != "" {
		b.WriteString("\n# Boss profile\n\n")
		b.WriteString(boss)
		b.WriteString("\n")
	}
	if soul := readProfile(filepath.Join(r.dataDir, "agents", agent.Name, "SOUL.md")); soul != "" {
		b.WriteString("\n# Your profile\n\n")
		b.WriteString(soul)
		b.WriteString("\n")
	}
	return b.String()
}

func readProfile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// TurnInput renders a batch of envelopes into the single prompt string for
// one turn: a header, then each envelope block separated by "---", in the
// order given (which is the delivery order).
func TurnInput(now time.Time, envelopes []*store.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "now: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "pending-envelopes: %d\n", len(envelopes))

	for _, e := range envelopes {
		b.WriteString("\n---\n")
		fmt.Fprintf(&b, "from: %s\n", e.From)
		if e.Metadata != nil && e.Metadata.FromName != "" {
			fmt.Fprintf(&b, "sender: %s\n", e.Metadata.FromName)
		}
		if e.Metadata != nil && e.Metadata.ChannelMessageID != "" {
			fmt.Fprintf(&b, "channel-message-id: %s\n", e.Metadata.ChannelMessageID)
		}
		fmt.Fprintf(&b, "created-at: %s\n", time.UnixMilli(e.CreatedAt).UTC().Format(time.RFC3339))
		if e.Content.Text != "" {
			b.WriteString("\n")
			b.WriteString(e.Content.Text)
			b.WriteString("\n")
		}
		for _, att := range e.Content.Attachments {
			name := att.Filename
			if name == "" {
				name = filepath.Base(att.Source)
			}
			fmt.Fprintf(&b, "attachment: %s (%s)\n", name, att.Source)
		}
	}
	return b.String()
}

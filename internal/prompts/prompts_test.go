package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hiboss-dev/hiboss/internal/store"
)

func TestSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "BOSS.md"), []byte("Name: Alex\nTimezone: UTC\n"), 0o600); err != nil {
		t.Fatalf("write boss profile: %v", err)
	}
	agentDir := filepath.Join(dir, "agents", "planner")
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "SOUL.md"), []byte("Be terse."), 0o600); err != nil {
		t.Fatalf("write soul: %v", err)
	}

	r := NewRenderer(dir)
	got := r.SystemPrompt(&store.Agent{Name: "planner", Description: "plans the week"})

	for _, want := range []string{
		"You are planner",
		"Role: plans the week",
		"# Boss profile",
		"Name: Alex",
		"# Your profile",
		"Be terse.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q:\n%s", want, got)
		}
	}
}

func TestSystemPromptMissingProfiles(t *testing.T) {
	r := NewRenderer(t.TempDir())
	got := r.SystemPrompt(&store.Agent{Name: "loner"})
	if !strings.Contains(got, "You are loner") {
		t.Errorf("prompt = %q", got)
	}
	if strings.Contains(got, "# Boss profile") || strings.Contains(got, "# Your profile") {
		t.Error("missing profile files rendered section headers")
	}
}

func TestTurnInput(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	envelopes := []*store.Envelope{
		{
			ID:        "e1",
			From:      "channel:telegram:123",
			Content:   store.EnvelopeContent{Text: "what's the status?"},
			Metadata:  &store.EnvelopeMeta{FromName: "alex", ChannelMessageID: "777"},
			CreatedAt: now.Add(-time.Minute).UnixMilli(),
		},
		{
			ID:   "e2",
			From: "agent:scout",
			Content: store.EnvelopeContent{
				Text:        "scan results attached",
				Attachments: []store.Attachment{{Source: "/tmp/scan.txt"}},
			},
			CreatedAt: now.UnixMilli(),
		},
	}

	got := TurnInput(now, envelopes)

	if !strings.HasPrefix(got, "now: 2026-08-24T12:00:00Z\npending-envelopes: 2\n") {
		t.Errorf("header wrong:\n%s", got)
	}
	for _, want := range []string{
		"from: channel:telegram:123",
		"sender: alex",
		"channel-message-id: 777",
		"what's the status?",
		"from: agent:scout",
		"attachment: scan.txt (/tmp/scan.txt)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("turn input missing %q:\n%s", want, got)
		}
	}
	// Delivery order is preserved.
	if strings.Index(got, "channel:telegram:123") > strings.Index(got, "agent:scout") {
		t.Error("envelope order not preserved")
	}
	// Agent-sourced envelope carries no sender line.
	scoutBlock := got[strings.Index(got, "from: agent:scout"):]
	if strings.Contains(scoutBlock, "sender:") {
		t.Error("sender line rendered without FromName")
	}

	empty := TurnInput(now, nil)
	if !strings.Contains(empty, "pending-envelopes: 0") {
		t.Errorf("empty input = %q", empty)
	}
}

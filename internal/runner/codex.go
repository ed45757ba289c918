package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hiboss-dev/hiboss/internal/sessions"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// CodexRunner drives the Codex CLI in exec mode. Codex reports token
// usage cumulatively over the whole thread, so per-turn usage is the
// delta against the cumulative counters carried on the session handle.
type CodexRunner struct {
	Bin string
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Usage struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
	Message string `json:"message"`
}

func (r *CodexRunner) RunTurn(ctx context.Context, session *sessions.Handle, turnInput string, opts Options) (*TurnResult, error) {
	args := []string{"exec"}
	if session.SessionID != "" {
		args = append(args, "resume", session.SessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if session.Model != "" {
		args = append(args, "-c", "model="+session.Model)
	}
	if session.ReasoningEffort != "" {
		args = append(args, "-c", "model_reasoning_effort="+session.ReasoningEffort)
	}
	prompt := turnInput
	if opts.SystemPrompt != "" && session.SessionID == "" {
		prompt = opts.SystemPrompt + "\n\n" + turnInput
	}
	args = append(args, "-")

	cmd := exec.Command(r.Bin, args...)
	cmd.Dir = opts.Workspace
	cmd.Stdin = strings.NewReader(prompt)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("codex stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn codex: %w", err)
	}
	stopWatch := watchCancel(ctx, cmd)

	result := &TurnResult{Status: TurnSuccess, SessionID: session.SessionID}
	var cumulative *store.RunUsage
	var turnErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "thread.started":
			if ev.ThreadID != "" {
				result.SessionID = ev.ThreadID
			}
		case "item.completed":
			if ev.Item.Type == "agent_message" {
				result.FinalText = ev.Item.Text
			}
		case "turn.completed":
			cumulative = &store.RunUsage{
				InputTokens:     ev.Usage.InputTokens,
				CacheReadTokens: ev.Usage.CachedInputTokens,
				OutputTokens:    ev.Usage.OutputTokens,
			}
		case "error":
			turnErr = fmt.Errorf("codex turn failed: %s", ev.Message)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	stopWatch()
	if ctx.Err() != nil {
		result.Status = TurnCancelled
		return result, nil
	}
	if turnErr != nil {
		return nil, turnErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("codex exited: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read codex output: %w", scanErr)
	}

	if cumulative != nil {
		result.Usage = deltaUsage(session.CodexCumulativeUsage, cumulative)
		result.Usage.ContextLength = int(cumulative.InputTokens + cumulative.CacheReadTokens + cumulative.OutputTokens)
		session.CodexCumulativeUsage = cumulative
	}
	return result, nil
}

// deltaUsage subtracts the previous cumulative counters, clamping at zero
// for the fresh-thread case where the counters restarted.
func deltaUsage(prev, cur *store.RunUsage) store.RunUsage {
	sub := func(a, b int64) int64 {
		if prev == nil || a < b {
			return a
		}
		return a - b
	}
	var p store.RunUsage
	if prev != nil {
		p = *prev
	}
	u := store.RunUsage{
		InputTokens:     sub(cur.InputTokens, p.InputTokens),
		CacheReadTokens: sub(cur.CacheReadTokens, p.CacheReadTokens),
		OutputTokens:    sub(cur.OutputTokens, p.OutputTokens),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

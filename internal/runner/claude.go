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

// ClaudeRunner drives the Claude Code CLI in one-shot print mode with a
// streamed JSON event output.
type ClaudeRunner struct {
	Bin string
}

// claudeEvent is the subset of the stream-json events we read.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Usage     struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func (r *ClaudeRunner) RunTurn(ctx context.Context, session *sessions.Handle, turnInput string, opts Options) (*TurnResult, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if session.SessionID != "" {
		args = append(args, "--resume", session.SessionID)
	}
	if session.Model != "" {
		args = append(args, "--model", session.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	cmd := exec.Command(r.Bin, args...)
	cmd.Dir = opts.Workspace
	cmd.Stdin = strings.NewReader(turnInput)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn claude: %w", err)
	}
	stopWatch := watchCancel(ctx, cmd)

	result := &TurnResult{Status: TurnSuccess, SessionID: session.SessionID}
	var eventErr error
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // non-event noise on stdout
		}
		if ev.SessionID != "" {
			result.SessionID = ev.SessionID
		}
		if ev.Type != "result" {
			continue
		}
		sawResult = true
		result.FinalText = ev.Result
		result.Usage = store.RunUsage{
			InputTokens:      ev.Usage.InputTokens,
			OutputTokens:     ev.Usage.OutputTokens,
			CacheReadTokens:  ev.Usage.CacheReadTokens,
			CacheWriteTokens: ev.Usage.CacheCreationTokens,
			TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
		}
		// Context length is what the next turn would carry in.
		result.Usage.ContextLength = int(ev.Usage.InputTokens +
			ev.Usage.CacheReadTokens + ev.Usage.CacheCreationTokens +
			ev.Usage.OutputTokens)
		if ev.IsError {
			eventErr = fmt.Errorf("claude turn failed: %s", ev.Result)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	stopWatch()
	if ctx.Err() != nil {
		result.Status = TurnCancelled
		return result, nil
	}
	if eventErr != nil {
		return nil, eventErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("claude exited: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read claude output: %w", scanErr)
	}
	if !sawResult {
		return nil, fmt.Errorf("claude produced no result event")
	}
	return result, nil
}

package store

import (
	"errors"
	"testing"
)

func TestAgentRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "worker")

	run, err := s.CreateAgentRun("Worker", []string{"e1", "e2"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.AgentName != "worker" {
		t.Errorf("agent name = %q, want normalized", run.AgentName)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("status = %q", run.Status)
	}

	usage := RunUsage{ContextLength: 1200, InputTokens: 300, OutputTokens: 80, TotalTokens: 380}
	if err := s.CompleteAgentRun(run.ID, "all done", usage); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.GetAgentRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusCompleted || got.Response != "all done" {
		t.Errorf("run = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got.Usage != usage {
		t.Errorf("usage = %+v, want %+v", got.Usage, usage)
	}
	if len(got.EnvelopeIDs) != 2 || got.EnvelopeIDs[0] != "e1" {
		t.Errorf("envelope ids = %v", got.EnvelopeIDs)
	}

	// A run can only be finished once.
	if err := s.FailAgentRun(run.ID, "late failure", RunUsage{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("double finish err = %v, want ErrNotFound", err)
	}
}

func TestFailAndCancelAgentRun(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "worker")

	failed, err := s.CreateAgentRun("worker", nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.FailAgentRun(failed.ID, "provider exit 1", RunUsage{InputTokens: 10}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := s.GetAgentRun(failed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusFailed || got.Error != "provider exit 1" {
		t.Errorf("run = %+v", got)
	}

	cancelled, err := s.CreateAgentRun("worker", nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.CancelAgentRun(cancelled.ID, "manual-abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err = s.GetAgentRun(cancelled.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusCancelled || got.Error != "manual-abort" {
		t.Errorf("run = %+v", got)
	}
}

func TestFinishRunClampsNegativeUsage(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "worker")

	run, err := s.CreateAgentRun("worker", nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.CompleteAgentRun(run.ID, "ok", RunUsage{ContextLength: -5, InputTokens: -1, TotalTokens: -9}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetAgentRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Usage != (RunUsage{}) {
		t.Errorf("usage = %+v, want zeroed", got.Usage)
	}
}

func TestListAgentRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "worker")
	registerTestAgent(t, s, "other")

	for i := 0; i < 3; i++ {
		if _, err := s.CreateAgentRun("worker", nil); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}
	if _, err := s.CreateAgentRun("other", nil); err != nil {
		t.Fatalf("create run: %v", err)
	}

	runs, err := s.ListAgentRuns("worker", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.AgentName != "worker" {
			t.Errorf("leaked run for %q", r.AgentName)
		}
	}

	latest, err := s.LatestAgentRun("worker")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != runs[0].ID {
		t.Errorf("latest = %s, want %s", latest.ID, runs[0].ID)
	}

	if _, err := s.LatestAgentRun("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("latest for unknown agent = %v, want ErrNotFound", err)
	}
}

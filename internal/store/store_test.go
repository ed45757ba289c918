package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerTestAgent(t *testing.T, s *Store, name string) *Agent {
	t.Helper()
	agent, _, err := s.RegisterAgent(RegisterAgentInput{Name: name, Provider: ProviderClaude})
	if err != nil {
		t.Fatalf("register agent %s: %v", name, err)
	}
	return agent
}

func insertTestEnvelope(t *testing.T, s *Store, e *Envelope) *Envelope {
	t.Helper()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EnvelopeStatusPending
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMs()
	}
	if err := s.InsertEnvelope(e); err != nil {
		t.Fatalf("insert envelope: %v", err)
	}
	return e
}

func TestEnvelopeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	deliverAt := nowMs() + 60_000
	in := insertTestEnvelope(t, s, &Envelope{
		From:     "boss",
		To:       "agent:planner",
		FromBoss: true,
		Content: EnvelopeContent{
			Text:        "plan the week",
			Attachments: []Attachment{{Source: "/tmp/notes.txt", Filename: "notes.txt"}},
		},
		Metadata:  &EnvelopeMeta{ChannelMessageID: "42", Author: "boss-id"},
		DeliverAt: &deliverAt,
	})

	got, err := s.GetEnvelope(in.ID)
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if got.From != in.From || got.To != in.To || !got.FromBoss {
		t.Errorf("addressing mismatch: got %s → %s fromBoss=%v", got.From, got.To, got.FromBoss)
	}
	if got.Content.Text != in.Content.Text {
		t.Errorf("text = %q, want %q", got.Content.Text, in.Content.Text)
	}
	if len(got.Content.Attachments) != 1 || got.Content.Attachments[0].Source != "/tmp/notes.txt" {
		t.Errorf("attachments = %+v", got.Content.Attachments)
	}
	if got.Metadata == nil || got.Metadata.ChannelMessageID != "42" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.DeliverAt == nil || *got.DeliverAt != deliverAt {
		t.Errorf("deliverAt = %v, want %d", got.DeliverAt, deliverAt)
	}
	if got.Status != EnvelopeStatusPending {
		t.Errorf("status = %q", got.Status)
	}
}

func TestInsertEnvelopeDuplicateID(t *testing.T) {
	s := newTestStore(t)
	e := insertTestEnvelope(t, s, &Envelope{From: "boss", To: "agent:a", Content: EnvelopeContent{Text: "x"}})
	dup := &Envelope{ID: e.ID, From: "boss", To: "agent:a", Status: EnvelopeStatusPending,
		Content: EnvelopeContent{Text: "x"}, CreatedAt: nowMs()}
	if err := s.InsertEnvelope(dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate insert err = %v, want ErrAlreadyExists", err)
	}
}

func TestPendingEnvelopeOrdering(t *testing.T) {
	s := newTestStore(t)
	base := nowMs() - 10_000

	// Same created_at for b and c so the id tiebreaker decides.
	insertTestEnvelope(t, s, &Envelope{ID: "cc-later", From: "boss", To: "agent:w",
		Content: EnvelopeContent{Text: "3"}, CreatedAt: base + 2})
	insertTestEnvelope(t, s, &Envelope{ID: "bb-tie", From: "boss", To: "agent:w",
		Content: EnvelopeContent{Text: "2"}, CreatedAt: base + 1})
	insertTestEnvelope(t, s, &Envelope{ID: "aa-tie", From: "boss", To: "agent:w",
		Content: EnvelopeContent{Text: "1"}, CreatedAt: base + 1})

	future := nowMs() + 600_000
	insertTestEnvelope(t, s, &Envelope{From: "boss", To: "agent:w",
		Content: EnvelopeContent{Text: "deferred"}, DeliverAt: &future})

	got, err := s.GetPendingEnvelopesForAgent("w", 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	wantIDs := []string{"aa-tie", "bb-tie", "cc-later"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d envelopes, want %d (future deliver_at must be excluded)", len(got), len(wantIDs))
	}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Errorf("position %d: id = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestMarkEnvelopesDoneAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ids := make([]string, 5)
	for i := range ids {
		e := insertTestEnvelope(t, s, &Envelope{From: "boss", To: "agent:w",
			Content: EnvelopeContent{Text: "t"}})
		ids[i] = e.ID
	}

	const workers = 8
	results := make([][]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flipped, err := s.MarkEnvelopesDone(ids)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = flipped
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	if total != len(ids) {
		t.Fatalf("flipped %d ids across workers, want exactly %d", total, len(ids))
	}
	for _, id := range ids {
		e, err := s.GetEnvelope(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if e.Status != EnvelopeStatusDone {
			t.Errorf("envelope %s status = %q, want done", id, e.Status)
		}
	}
}

func TestFindEnvelopeByIDPrefix(t *testing.T) {
	s := newTestStore(t)
	insertTestEnvelope(t, s, &Envelope{ID: "abcdef1200001111", From: "boss", To: "agent:a",
		Content: EnvelopeContent{Text: "x"}})
	insertTestEnvelope(t, s, &Envelope{ID: "abcdef1200002222", From: "boss", To: "agent:a",
		Content: EnvelopeContent{Text: "y"}})
	insertTestEnvelope(t, s, &Envelope{ID: "ffff000012345678", From: "boss", To: "agent:a",
		Content: EnvelopeContent{Text: "z"}})

	t.Run("too short", func(t *testing.T) {
		if _, err := s.FindEnvelopeByIDPrefix("abcd"); !errors.Is(err, ErrInvariant) {
			t.Fatalf("err = %v, want ErrInvariant", err)
		}
	})
	t.Run("unique match", func(t *testing.T) {
		e, err := s.FindEnvelopeByIDPrefix("ffff0000")
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if e.ID != "ffff000012345678" {
			t.Errorf("id = %s", e.ID)
		}
	})
	t.Run("ambiguous", func(t *testing.T) {
		_, err := s.FindEnvelopeByIDPrefix("abcdef12")
		var amb *AmbiguousPrefixError
		if !errors.As(err, &amb) {
			t.Fatalf("err = %v, want AmbiguousPrefixError", err)
		}
		if len(amb.Candidates) != 2 {
			t.Errorf("candidates = %v", amb.Candidates)
		}
	})
	t.Run("no match", func(t *testing.T) {
		if _, err := s.FindEnvelopeByIDPrefix("00000000"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestTokenVerify(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(token) != 6 {
		t.Fatalf("token %q, want 6 hex chars", token)
	}
	hash, err := HashToken(token)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyToken(token, hash) {
		t.Error("correct token did not verify")
	}
	if VerifyToken("wrong1", hash) {
		t.Error("wrong token verified")
	}
	if VerifyToken(token, "garbage-no-colon") {
		t.Error("malformed stored hash verified")
	}
	if VerifyToken(token, "zz:zz") {
		t.Error("non-hex stored hash verified")
	}
}

func TestFindAgentByToken(t *testing.T) {
	s := newTestStore(t)
	_, token, err := s.RegisterAgent(RegisterAgentInput{Name: "worker", Provider: ProviderCodex})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	registerTestAgent(t, s, "other")

	a, err := s.FindAgentByToken(token)
	if err != nil {
		t.Fatalf("find by token: %v", err)
	}
	if a.Name != "worker" {
		t.Errorf("resolved %s, want worker", a.Name)
	}
	if _, err := s.FindAgentByToken("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token err = %v, want ErrNotFound", err)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	s := newTestStore(t)
	cases := []struct {
		name  string
		input RegisterAgentInput
	}{
		{"bad name", RegisterAgentInput{Name: "has spaces", Provider: ProviderClaude}},
		{"bad provider", RegisterAgentInput{Name: "ok", Provider: "gpt4all"}},
		{"bad effort", RegisterAgentInput{Name: "ok", Provider: ProviderCodex, ReasoningEffort: "max"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := s.RegisterAgent(tc.input); !errors.Is(err, ErrInvariant) {
				t.Fatalf("err = %v, want ErrInvariant", err)
			}
		})
	}

	registerTestAgent(t, s, "dup")
	if _, _, err := s.RegisterAgent(RegisterAgentInput{Name: "DUP", Provider: ProviderClaude}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("case-insensitive duplicate err = %v, want ErrAlreadyExists", err)
	}
}

func TestRegisterAgentStripsSessionHandle(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.RegisterAgent(RegisterAgentInput{
		Name:     "sneaky",
		Provider: ProviderClaude,
		Metadata: map[string]json.RawMessage{
			MetadataKeySessionHandle: json.RawMessage(`{"sessionId":"fake"}`),
			"color":                  json.RawMessage(`"blue"`),
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	a, err := s.GetAgent("sneaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := a.Metadata[MetadataKeySessionHandle]; ok {
		t.Error("reserved sessionHandle key survived registration")
	}
	if string(a.Metadata["color"]) != `"blue"` {
		t.Errorf("metadata = %v", a.Metadata)
	}
}

func TestCronSinglePendingInvariant(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "cronner")
	cs, err := s.CreateCronSchedule(CreateCronScheduleInput{
		AgentName: "cronner",
		Cron:      "*/5 * * * *",
		To:        "agent:cronner",
		Content:   EnvelopeContent{Text: "tick"},
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	deliverAt := nowMs() + 300_000
	first := &Envelope{ID: uuid.NewString(), From: "agent:cronner", To: "agent:cronner",
		Status: EnvelopeStatusPending, Content: cs.Content, DeliverAt: &deliverAt, CreatedAt: nowMs()}
	if err := s.MaterializeCronEnvelope(cs.ID, first); err != nil {
		t.Fatalf("first materialize: %v", err)
	}

	second := &Envelope{ID: uuid.NewString(), From: "agent:cronner", To: "agent:cronner",
		Status: EnvelopeStatusPending, Content: cs.Content, DeliverAt: &deliverAt, CreatedAt: nowMs()}
	if err := s.MaterializeCronEnvelope(cs.ID, second); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second materialize err = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.GetEnvelope(second.ID); !errors.Is(err, ErrNotFound) {
		t.Error("losing materialization inserted its envelope anyway")
	}

	// Clearing with a stale envelope id must not release the slot.
	if err := s.ClearCronPendingEnvelope(cs.ID, "stale-id"); err != nil {
		t.Fatalf("clear stale: %v", err)
	}
	got, err := s.GetCronSchedule(cs.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.PendingEnvelopeID != first.ID {
		t.Errorf("pending slot = %q, want %s", got.PendingEnvelopeID, first.ID)
	}

	if err := s.ClearCronPendingEnvelope(cs.ID, first.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.MaterializeCronEnvelope(cs.ID, second); err != nil {
		t.Fatalf("materialize after clear: %v", err)
	}
}

func TestDeleteCronScheduleClosesPendingEnvelope(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "cronner")
	cs, err := s.CreateCronSchedule(CreateCronScheduleInput{
		AgentName: "cronner", Cron: "0 9 * * *", To: "agent:cronner",
		Content: EnvelopeContent{Text: "standup"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deliverAt := nowMs() + 60_000
	env := &Envelope{ID: uuid.NewString(), From: "agent:cronner", To: "agent:cronner",
		Status: EnvelopeStatusPending, Content: cs.Content, DeliverAt: &deliverAt, CreatedAt: nowMs()}
	if err := s.MaterializeCronEnvelope(cs.ID, env); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if err := s.DeleteCronSchedule(cs.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCronSchedule(cs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("schedule survived delete: %v", err)
	}
	e, err := s.GetEnvelope(env.ID)
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if e.Status != EnvelopeStatusDone {
		t.Errorf("pending envelope status = %q after schedule delete, want done", e.Status)
	}
}

func TestMemoryStoreRecallClear(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "rememberer")

	for _, content := range []string{"likes coffee", "deploy window is friday", "coffee machine broken"} {
		if _, err := s.StoreMemory("rememberer", content); err != nil {
			t.Fatalf("store memory: %v", err)
		}
	}

	all, err := s.RecallMemories("rememberer", "", 10)
	if err != nil {
		t.Fatalf("recall all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("recalled %d, want 3", len(all))
	}

	hits, err := s.RecallMemories("rememberer", "coffee", 10)
	if err != nil {
		t.Fatalf("recall query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("coffee hits = %d, want 2", len(hits))
	}

	n, err := s.ClearMemories("rememberer")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared %d, want 3", n)
	}
	left, err := s.RecallMemories("rememberer", "", 10)
	if err != nil {
		t.Fatalf("recall after clear: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d memories survived clear", len(left))
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "doomed")
	if _, err := s.CreateBinding("doomed", "telegram", "12345"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	cs, err := s.CreateCronSchedule(CreateCronScheduleInput{
		AgentName: "doomed", Cron: "* * * * *", To: "agent:doomed",
		Content: EnvelopeContent{Text: "tick"},
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	deliverAt := nowMs() + 60_000
	env := &Envelope{ID: uuid.NewString(), From: "agent:doomed", To: "agent:doomed",
		Status: EnvelopeStatusPending, Content: cs.Content, DeliverAt: &deliverAt, CreatedAt: nowMs()}
	if err := s.MaterializeCronEnvelope(cs.ID, env); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if err := s.DeleteAgent("doomed"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := s.GetAgent("doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("agent survived: %v", err)
	}
	if _, err := s.GetCronSchedule(cs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cron schedule survived: %v", err)
	}
	e, err := s.GetEnvelope(env.ID)
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if e.Status != EnvelopeStatusDone {
		t.Errorf("cron envelope status = %q, want done", e.Status)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetConfig("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key err = %v, want ErrNotFound", err)
	}
	if err := s.SetConfig("k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfig("k", "v2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	v, err := s.GetConfig("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "v2" {
		t.Errorf("value = %q, want v2", v)
	}
	done, err := s.SetupCompleted()
	if err != nil {
		t.Fatalf("setup check: %v", err)
	}
	if done {
		t.Error("setup reported completed on fresh store")
	}
	if err := s.SetConfig(ConfigSetupCompleted, "true"); err != nil {
		t.Fatalf("set setup: %v", err)
	}
	done, err = s.SetupCompleted()
	if err != nil {
		t.Fatalf("setup check: %v", err)
	}
	if !done {
		t.Error("setup not reported completed")
	}
}

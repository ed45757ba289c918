package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// fakeAdapter records sends and fails on demand.
type fakeAdapter struct {
	mu       sync.Mutex
	platform string
	failNext bool
	sent     []string
	msgSeq   int
}

func (f *fakeAdapter) Platform() string                { return f.platform }
func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, chatID, text string, opts channels.SendOptions) (*channels.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	f.msgSeq++
	return &channels.SendResult{ChannelMessageID: fmt.Sprintf("msg-%d", f.msgSeq)}, nil
}

func (f *fakeAdapter) SendAttachment(ctx context.Context, chatID string, att store.Attachment, opts channels.SendOptions) (*channels.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "file:"+att.Source)
	f.msgSeq++
	return &channels.SendResult{ChannelMessageID: fmt.Sprintf("msg-%d", f.msgSeq)}, nil
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *fakeAdapter) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	adapter := &fakeAdapter{platform: "telegram"}
	registry := channels.NewRegistry()
	registry.Register(adapter)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, registry, log), s, adapter
}

func registerAgent(t *testing.T, s *store.Store, name string) {
	t.Helper()
	if _, _, err := s.RegisterAgent(store.RegisterAgentInput{Name: name, Provider: store.ProviderClaude}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestRouteToAgentWakesExecutor(t *testing.T) {
	r, s, _ := newTestRouter(t)
	registerAgent(t, s, "worker")

	var woke []string
	r.SetAgentWaker(func(name, trigger string) { woke = append(woke, name) })

	e, err := r.RouteEnvelope(context.Background(), Input{
		From:     "agent:worker",
		To:       "agent:worker",
		Content:  store.EnvelopeContent{Text: "hi"},
		FromBoss: false,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(woke) != 1 || woke[0] != "worker" {
		t.Errorf("woke = %v, want [worker]", woke)
	}
	got, err := s.GetEnvelope(e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.EnvelopeStatusPending {
		t.Errorf("status = %q, want pending (agent envelopes stay pending until consumed)", got.Status)
	}
}

func TestRouteValidation(t *testing.T) {
	r, s, _ := newTestRouter(t)
	registerAgent(t, s, "worker")
	past := time.Now().Add(-time.Hour).UnixMilli()

	cases := []struct {
		name    string
		in      Input
		wantErr error
	}{
		{"bad from", Input{From: "nope", To: "agent:worker", Content: store.EnvelopeContent{Text: "x"}}, store.ErrInvariant},
		{"bad to", Input{From: "agent:worker", To: "nope", Content: store.EnvelopeContent{Text: "x"}}, store.ErrInvariant},
		{"empty content", Input{From: "agent:worker", To: "agent:worker"}, store.ErrInvariant},
		{"unknown agent", Input{From: "agent:worker", To: "agent:ghost", Content: store.EnvelopeContent{Text: "x"}}, store.ErrNotFound},
		{"channel without binding", Input{From: "agent:worker", To: "channel:telegram:123", Content: store.EnvelopeContent{Text: "x"}}, store.ErrInvariant},
		{"channel from non-agent", Input{From: "channel:telegram:123", To: "channel:telegram:456", Content: store.EnvelopeContent{Text: "x"}}, store.ErrInvariant},
		{"past deliverAt", Input{From: "agent:worker", To: "agent:worker", Content: store.EnvelopeContent{Text: "x"}, DeliverAt: &past}, store.ErrInvariant},
		{"bad parse mode", Input{From: "agent:worker", To: "agent:worker", Content: store.EnvelopeContent{Text: "x"},
			Metadata: &store.EnvelopeMeta{ParseMode: "rtf"}}, store.ErrInvariant},
		{"parse mode on agent dest", Input{From: "agent:worker", To: "agent:worker", Content: store.EnvelopeContent{Text: "x"},
			Metadata: &store.EnvelopeMeta{ParseMode: store.ParseModeHTML}}, store.ErrInvariant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.RouteEnvelope(context.Background(), tc.in)
			if err == nil {
				t.Fatal("invalid input accepted")
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v kind", err, tc.wantErr)
			}
		})
	}
}

func TestRouteToChannelDeliversAndCompletes(t *testing.T) {
	r, s, adapter := newTestRouter(t)
	registerAgent(t, s, "worker")
	if _, err := s.CreateBinding("worker", "telegram", "123"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var doneIDs []string
	r.SetOnDone(func(ids []string) { doneIDs = append(doneIDs, ids...) })

	e, err := r.RouteEnvelope(context.Background(), Input{
		From:    "agent:worker",
		To:      "channel:telegram:123",
		Content: store.EnvelopeContent{Text: "report ready"},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	if len(adapter.sent) != 1 || adapter.sent[0] != "report ready" {
		t.Errorf("adapter sent = %v", adapter.sent)
	}
	got, err := s.GetEnvelope(e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.EnvelopeStatusDone {
		t.Errorf("status = %q, want done", got.Status)
	}
	if got.Metadata == nil || got.Metadata.ChannelMessageID == "" {
		t.Error("channel message id not recorded")
	}
	if len(doneIDs) != 1 || doneIDs[0] != e.ID {
		t.Errorf("done hook ids = %v", doneIDs)
	}
}

func TestChannelDeliveryFailureLeavesPending(t *testing.T) {
	r, s, adapter := newTestRouter(t)
	registerAgent(t, s, "worker")
	if _, err := s.CreateBinding("worker", "telegram", "123"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	adapter.failNext = true

	e, err := r.RouteEnvelope(context.Background(), Input{
		From:    "agent:worker",
		To:      "channel:telegram:123",
		Content: store.EnvelopeContent{Text: "flaky"},
	})
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if e == nil {
		t.Fatal("envelope not returned alongside delivery error")
	}
	got, err := s.GetEnvelope(de.EnvelopeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.EnvelopeStatusPending {
		t.Errorf("status = %q, want pending for retry", got.Status)
	}

	// The scheduler's retry path dispatches the same envelope again.
	if err := r.Dispatch(context.Background(), got); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	got, _ = s.GetEnvelope(de.EnvelopeID)
	if got.Status != store.EnvelopeStatusDone {
		t.Errorf("status after retry = %q, want done", got.Status)
	}
}

func TestDeferredEnvelopeNotDispatched(t *testing.T) {
	r, s, _ := newTestRouter(t)
	registerAgent(t, s, "worker")

	var woke, created int
	r.SetAgentWaker(func(name, trigger string) { woke++ })
	r.SetOnCreated(func(e *store.Envelope) { created++ })

	future := time.Now().Add(time.Hour).UnixMilli()
	_, err := r.RouteEnvelope(context.Background(), Input{
		From:      "agent:worker",
		To:        "agent:worker",
		Content:   store.EnvelopeContent{Text: "later"},
		DeliverAt: &future,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if woke != 0 {
		t.Error("deferred envelope woke the executor")
	}
	if created != 1 {
		t.Errorf("onCreated fired %d times, want 1", created)
	}
}

func TestHandleInbound(t *testing.T) {
	r, s, _ := newTestRouter(t)
	registerAgent(t, s, "worker")
	if _, err := s.CreateBinding("worker", "telegram", "123"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.SetConfig(store.AdapterBossIDKey("telegram"), "boss-42"); err != nil {
		t.Fatalf("set boss id: %v", err)
	}

	var woke int
	r.SetAgentWaker(func(name, trigger string) { woke++ })

	r.HandleInbound(context.Background(), channels.Inbound{
		Platform:   "telegram",
		ChatID:     "123",
		MessageID:  "777",
		AuthorID:   "boss-42",
		AuthorName: "theboss",
		Text:       "do the thing",
	})

	envs, err := s.ListEnvelopes(store.EnvelopeFilter{To: "agent:worker"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	e := envs[0]
	if !e.FromBoss {
		t.Error("boss author not recognized")
	}
	if e.From != "channel:telegram:123" {
		t.Errorf("from = %s", e.From)
	}
	if e.Metadata == nil || e.Metadata.ChannelMessageID != "777" || e.Metadata.FromName != "theboss" {
		t.Errorf("metadata = %+v", e.Metadata)
	}
	if woke != 1 {
		t.Errorf("woke = %d, want 1", woke)
	}

	// Unbound chat: dropped without an envelope.
	r.HandleInbound(context.Background(), channels.Inbound{
		Platform: "telegram", ChatID: "999", MessageID: "1", AuthorID: "u", Text: "hello?",
	})
	envs, _ = s.ListEnvelopes(store.EnvelopeFilter{})
	if len(envs) != 1 {
		t.Errorf("unbound inbound created an envelope (%d total)", len(envs))
	}
}

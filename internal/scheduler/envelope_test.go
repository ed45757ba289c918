package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/router"
	"github.com/hiboss-dev/hiboss/internal/store"
)

type wakeRecorder struct {
	mu    sync.Mutex
	wakes []string
}

func (w *wakeRecorder) wake(name, trigger string) {
	w.mu.Lock()
	w.wakes = append(w.wakes, name)
	w.mu.Unlock()
}

func (w *wakeRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wakes)
}

func newEnvelopeScheduler(t *testing.T) (*EnvelopeScheduler, *store.Store, *wakeRecorder) {
	t.Helper()
	s := newTestStore(t)
	r := router.New(s, channels.NewRegistry(), discardLog())
	rec := &wakeRecorder{}
	r.SetAgentWaker(rec.wake)
	sched := NewEnvelopeScheduler(s, r, discardLog())
	r.SetOnCreated(sched.OnEnvelopeCreated)
	return sched, s, rec
}

func insertDeferred(t *testing.T, s *store.Store, to string, deliverAt int64) *store.Envelope {
	t.Helper()
	e := &store.Envelope{
		ID:        uuid.NewString(),
		From:      "agent:sender",
		To:        to,
		Content:   store.EnvelopeContent{Text: "later"},
		DeliverAt: &deliverAt,
		Status:    store.EnvelopeStatusPending,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.InsertEnvelope(e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return e
}

func TestEnvelopeSchedulerDispatchesWhenDue(t *testing.T) {
	sched, s, rec := newEnvelopeScheduler(t)
	registerAgent(t, s, "sleeper")

	insertDeferred(t, s, "agent:sleeper", time.Now().Add(150*time.Millisecond).UnixMilli())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.After(3 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("deferred envelope never dispatched")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEnvelopeSchedulerWakeOnCreate(t *testing.T) {
	sched, s, rec := newEnvelopeScheduler(t)
	registerAgent(t, s, "sleeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	// With nothing scheduled the sleeper would wait the poll floor; the
	// creation nudge must wake it well before that.
	e := insertDeferred(t, s, "agent:sleeper", time.Now().Add(100*time.Millisecond).UnixMilli())
	sched.OnEnvelopeCreated(e)

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("nudge did not shorten the sleep")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEnvelopeSchedulerStartStopIdempotent(t *testing.T) {
	sched, _, _ := newEnvelopeScheduler(t)
	ctx := context.Background()
	sched.Start(ctx)
	sched.Start(ctx)
	sched.Stop()
	sched.Stop()
}

func TestNextSleepBounds(t *testing.T) {
	sched, s, _ := newEnvelopeScheduler(t)
	registerAgent(t, s, "sleeper")

	if d := sched.nextSleep(); d != pollFloor {
		t.Errorf("empty store sleep = %v, want poll floor %v", d, pollFloor)
	}

	insertDeferred(t, s, "agent:sleeper", time.Now().Add(5*time.Second).UnixMilli())
	if d := sched.nextSleep(); d <= 0 || d > 5*time.Second {
		t.Errorf("near-future sleep = %v, want (0, 5s]", d)
	}

	insertDeferred(t, s, "agent:sleeper", time.Now().Add(10*time.Minute).UnixMilli())
	if d := sched.nextSleep(); d > pollFloor {
		t.Errorf("far-future sleep = %v, want capped at %v", d, pollFloor)
	}

	// Overdue deliverAt clamps to zero, never negative.
	overdue := &store.Envelope{
		ID: uuid.NewString(), From: "agent:sender", To: "agent:sleeper",
		Content: store.EnvelopeContent{Text: "x"}, Status: store.EnvelopeStatusPending,
		CreatedAt: time.Now().UnixMilli(),
	}
	past := time.Now().Add(-time.Minute).UnixMilli()
	overdue.DeliverAt = &past
	if err := s.InsertEnvelope(overdue); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if d := sched.nextSleep(); d != 0 {
		t.Errorf("overdue sleep = %v, want 0", d)
	}
}

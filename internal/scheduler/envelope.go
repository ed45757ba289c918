// Package scheduler contains the two long-lived coordinators: the
// envelope scheduler, which wakes deferred envelopes when their deliverAt
// arrives, and the cron scheduler, which materializes recurring work.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hiboss-dev/hiboss/internal/router"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// pollFloor bounds the sleeper so clock jumps and missed notifications
// are tolerated.
const pollFloor = 30 * time.Second

// dispatchBatch caps how many due envelopes one wake processes.
const dispatchBatch = 100

// EnvelopeScheduler is a single coordinator that sleeps until the
// earliest pending deliverAt and dispatches due envelopes.
type EnvelopeScheduler struct {
	store  *store.Store
	router *router.Router
	log    *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewEnvelopeScheduler(s *store.Store, r *router.Router, log *slog.Logger) *EnvelopeScheduler {
	return &EnvelopeScheduler{
		store:  s,
		router: r,
		log:    log.With("component", "envelope-scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

// OnEnvelopeCreated nudges the sleeper to recompute its wake time.
// Non-blocking; signals coalesce.
func (s *EnvelopeScheduler) OnEnvelopeCreated(_ *store.Envelope) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the coordinator. Idempotent.
func (s *EnvelopeScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.run(runCtx)
}

// Stop cancels the sleeper and waits for the current iteration. Idempotent.
func (s *EnvelopeScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *EnvelopeScheduler) run(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.dispatchDue(ctx)
		timer.Reset(s.nextSleep())
	}
}

// dispatchDue hands every due envelope to the router's dispatch step.
// Channel envelopes that failed a synchronous send retry here too.
func (s *EnvelopeScheduler) dispatchDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	due, err := s.store.DuePendingEnvelopes(now, dispatchBatch)
	if err != nil {
		s.log.Error("query due envelopes", "error", err)
		return
	}
	retries, err := s.store.PendingChannelEnvelopes(dispatchBatch)
	if err != nil {
		s.log.Error("query channel retries", "error", err)
		return
	}
	for _, e := range append(due, retries...) {
		if ctx.Err() != nil {
			return
		}
		if err := s.router.Dispatch(ctx, e); err != nil {
			s.log.Warn("dispatch failed, will retry", "envelope", e.ID, "error", err)
		}
	}
}

// nextSleep computes the time until the earliest scheduled deliverAt,
// bounded by the poll floor.
func (s *EnvelopeScheduler) nextSleep() time.Duration {
	next, err := s.store.NextPendingDeliverAt()
	if err != nil {
		s.log.Error("query next deliverAt", "error", err)
		return pollFloor
	}
	if next == nil {
		return pollFloor
	}
	d := time.Until(time.UnixMilli(*next))
	if d < 0 {
		d = 0
	}
	if d > pollFloor {
		d = pollFloor
	}
	return d
}

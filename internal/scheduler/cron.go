package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/address"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// CronScheduler materializes recurring schedules into envelopes,
// maintaining at most one outstanding pending envelope per schedule.
type CronScheduler struct {
	store  *store.Store
	log    *slog.Logger
	notify func(e *store.Envelope) // envelope scheduler nudge
}

func NewCronScheduler(s *store.Store, notify func(e *store.Envelope), log *slog.Logger) *CronScheduler {
	return &CronScheduler{
		store:  s,
		log:    log.With("component", "cron-scheduler"),
		notify: notify,
	}
}

// NextFireAt computes the next occurrence of the schedule's expression at
// or after now, in the schedule's timezone. A tick exactly at now counts.
func NextFireAt(cs *store.CronSchedule, now time.Time) (time.Time, error) {
	if cs.Timezone != "" {
		loc, err := time.LoadLocation(cs.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("timezone %q: %w", cs.Timezone, err)
		}
		now = now.In(loc)
	}
	next, err := gronx.NextTickAfter(cs.Cron, now, true)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron %q: %w", cs.Cron, err)
	}
	return next, nil
}

// CreateSchedule persists a schedule and materializes its first envelope.
func (c *CronScheduler) CreateSchedule(in store.CreateCronScheduleInput) (*store.CronSchedule, error) {
	cs, err := c.store.CreateCronSchedule(in)
	if err != nil {
		return nil, err
	}
	if err := c.materialize(cs, time.Now()); err != nil {
		return nil, err
	}
	return c.store.GetCronSchedule(cs.ID)
}

// EnableSchedule turns a schedule on and, if it has no outstanding
// envelope, materializes the next one.
func (c *CronScheduler) EnableSchedule(id string) error {
	if err := c.store.SetCronScheduleEnabled(id, true); err != nil {
		return err
	}
	cs, err := c.store.GetCronSchedule(id)
	if err != nil {
		return err
	}
	if cs.PendingEnvelopeID == "" {
		return c.materialize(cs, time.Now())
	}
	return nil
}

// DisableSchedule turns a schedule off. An already-materialized pending
// envelope keeps its deliverAt and will still fire.
func (c *CronScheduler) DisableSchedule(id string) error {
	return c.store.SetCronScheduleEnabled(id, false)
}

// DeleteSchedule closes the pending envelope and removes the schedule.
func (c *CronScheduler) DeleteSchedule(id string) error {
	return c.store.DeleteCronSchedule(id)
}

// OnEnvelopesDone advances schedules whose materialized envelope just
// completed: enabled schedules get the next future envelope, disabled
// ones only release the link.
func (c *CronScheduler) OnEnvelopesDone(ids []string) {
	for _, id := range ids {
		cs, err := c.store.FindCronScheduleByPendingEnvelope(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			c.log.Error("cron lookup by envelope", "envelope", id, "error", err)
			continue
		}
		if err := c.store.ClearCronPendingEnvelope(cs.ID, id); err != nil {
			c.log.Error("clear cron pending", "schedule", cs.ID, "error", err)
			continue
		}
		if !cs.Enabled {
			continue
		}
		cs.PendingEnvelopeID = ""
		if err := c.materialize(cs, time.Now()); err != nil {
			c.log.Error("materialize next cron envelope", "schedule", cs.ID, "error", err)
		}
	}
}

// ReconcileAllSchedules runs once at startup: every enabled schedule ends
// up with exactly one outstanding envelope, with misfires skipped forward
// to the next future occurrence.
func (c *CronScheduler) ReconcileAllSchedules() error {
	schedules, err := c.store.ListCronSchedules("")
	if err != nil {
		return err
	}
	now := time.Now()
	for _, cs := range schedules {
		if !cs.Enabled {
			continue
		}
		if cs.PendingEnvelopeID != "" {
			// The link may point at an envelope that completed right
			// before a crash; release it so the next one materializes.
			e, err := c.store.GetEnvelope(cs.PendingEnvelopeID)
			if err == nil && e.Status == store.EnvelopeStatusPending {
				continue
			}
			if err := c.store.ClearCronPendingEnvelope(cs.ID, cs.PendingEnvelopeID); err != nil {
				c.log.Error("reconcile clear pending", "schedule", cs.ID, "error", err)
				continue
			}
			cs.PendingEnvelopeID = ""
		}
		if err := c.materialize(cs, now); err != nil {
			c.log.Error("reconcile materialize", "schedule", cs.ID, "error", err)
		}
	}
	return nil
}

// materialize inserts the schedule's next envelope and links it as the
// schedule's single pending envelope.
func (c *CronScheduler) materialize(cs *store.CronSchedule, now time.Time) error {
	next, err := NextFireAt(cs, now)
	if err != nil {
		return err
	}
	deliverAt := next.UnixMilli()

	meta := &store.EnvelopeMeta{}
	if cs.Metadata != nil {
		*meta = *cs.Metadata
	}
	meta.CronScheduleID = cs.ID

	e := &store.Envelope{
		ID:        uuid.NewString(),
		From:      address.Agent(cs.AgentName).String(),
		To:        cs.To,
		Content:   cs.Content,
		Metadata:  meta,
		DeliverAt: &deliverAt,
		Status:    store.EnvelopeStatusPending,
		CreatedAt: now.UnixMilli(),
	}
	err = c.store.MaterializeCronEnvelope(cs.ID, e)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Info("cron envelope materialized",
		"schedule", cs.ID, "envelope", e.ID, "deliverAt", deliverAt)
	if c.notify != nil {
		c.notify(e)
	}
	return nil
}

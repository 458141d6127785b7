package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"parley/internal/domain"
	"parley/internal/usecase/engine"
)

// Janitor is the scheduled retention sweep. It runs on a fixed interval,
// independent of request traffic, and retires records older than the
// retention window: conversation log entries, archived notifications, idle
// engine lanes and empty correlator buckets.
//
// Each sweep captures its start time first and deletes strictly before
// start−retention, so an entry created after the sweep began is never
// eligible (snapshot-then-delete; no store-wide locking).
type Janitor struct {
	messages      domain.MessageStore
	notifications domain.NotificationStore
	engine        *engine.Engine
	correlator    *Correlator

	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewJanitor creates a janitor; Start schedules it.
func NewJanitor(
	messages domain.MessageStore,
	notifications domain.NotificationStore,
	eng *engine.Engine,
	correlator *Correlator,
	retention time.Duration,
	logger *slog.Logger,
) *Janitor {
	return &Janitor{
		messages:      messages,
		notifications: notifications,
		engine:        eng,
		correlator:    correlator,
		retention:     retention,
		logger:        logger,
	}
}

// Start schedules the sweep every interval and starts the scheduler.
func (j *Janitor) Start(interval time.Duration) error {
	j.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := j.cron.AddFunc(spec, func() { j.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", spec, err)
	}
	j.cron.Start()
	j.logger.Info("janitor started", "interval", interval, "retention", j.retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep performs one retention pass. Safe to run concurrently with normal
// read/write traffic.
func (j *Janitor) Sweep(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-j.retention)

	msgs, err := j.messages.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("janitor: message sweep failed", "error", err)
	}
	notifs, err := j.notifications.DeleteArchivedOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("janitor: notification sweep failed", "error", err)
	}

	lanes := 0
	if j.engine != nil {
		lanes = j.engine.RetireIdleLanes()
	}
	buckets := 0
	if j.correlator != nil {
		buckets = j.correlator.RetireEmptyBuckets()
	}

	j.logger.Info("janitor sweep finished",
		"cutoff", cutoff,
		"messages_deleted", msgs,
		"notifications_deleted", notifs,
		"lanes_retired", lanes,
		"buckets_retired", buckets,
		"took", time.Since(start),
	)
}

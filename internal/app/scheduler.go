package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ops-orchestrator/internal/config"
	"github.com/fairyhunter13/ops-orchestrator/internal/usecase"
)

// DefaultSchedules are the built-in recurring jobs; a schedule file can
// add more or override by name.
var DefaultSchedules = []config.ScheduleEntry{
	{Name: "crm-people-sync", JobType: "crm.sync_people", Interval: 15 * time.Minute},
}

// Scheduler enqueues recurring jobs on fixed intervals. Idempotency
// keys are bucketed on the interval boundary, so overlapping scheduler
// replicas collapse onto one job per tick instead of double-firing.
type Scheduler struct {
	enqueue *usecase.EnqueueService
	entries []config.ScheduleEntry
	clock   func() time.Time
}

// NewScheduler merges the built-in schedules with extra entries
// (file entries override built-ins by name).
func NewScheduler(enqueue *usecase.EnqueueService, extra []config.ScheduleEntry) *Scheduler {
	byName := map[string]config.ScheduleEntry{}
	order := make([]string, 0, len(DefaultSchedules)+len(extra))
	for _, e := range DefaultSchedules {
		byName[e.Name] = e
		order = append(order, e.Name)
	}
	for _, e := range extra {
		if _, exists := byName[e.Name]; !exists {
			order = append(order, e.Name)
		}
		byName[e.Name] = e
	}
	entries := make([]config.ScheduleEntry, 0, len(order))
	for _, name := range order {
		entries = append(entries, byName[name])
	}
	return &Scheduler{enqueue: enqueue, entries: entries, clock: time.Now}
}

// Entries returns the effective schedule set.
func (s *Scheduler) Entries() []config.ScheduleEntry { return s.entries }

// BucketKey is the idempotency key for one tick of an entry.
func BucketKey(e config.ScheduleEntry, now time.Time) string {
	bucket := now.Unix() / int64(e.Interval.Seconds())
	return fmt.Sprintf("%s:%d", e.Name, bucket)
}

// Run fires every entry on its own ticker until ctx is done. Each entry
// also fires once immediately so a fresh deployment does not wait a full
// interval for its first run.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e config.ScheduleEntry) {
			defer wg.Done()
			s.fire(ctx, e)
			ticker := time.NewTicker(e.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.fire(ctx, e)
				}
			}
		}(e)
	}
	wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) fire(ctx context.Context, e config.ScheduleEntry) {
	res, err := s.enqueue.Enqueue(ctx, usecase.EnqueueRequest{
		Type:           e.JobType,
		Queue:          e.Queue,
		Kwargs:         e.Kwargs,
		IdempotencyKey: BucketKey(e, s.clock()),
	})
	if err != nil {
		slog.Error("schedule fire failed",
			slog.String("schedule", e.Name), slog.String("type", e.JobType), slog.Any("error", err))
		return
	}
	if res.Created {
		slog.Info("schedule fired",
			slog.String("schedule", e.Name), slog.String("job_id", res.JobID))
	} else {
		slog.Debug("schedule tick collapsed onto existing job",
			slog.String("schedule", e.Name), slog.String("job_id", res.JobID))
	}
}

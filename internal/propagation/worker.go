package propagation

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Run drives both periodic workers until the context is cancelled or the
// service is closed: the session update sweep (default every 500ms) and the
// propagation sweep (default every 1s).
func (s *Service) Run(ctx context.Context) error {
	sessionTicker := time.NewTicker(s.cfg.SessionTick)
	defer sessionTicker.Stop()
	propagationTicker := time.NewTicker(s.cfg.PropagationTick)
	defer propagationTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-sessionTicker.C:
			s.sweepTasks(ctx, s.now())
		case <-propagationTicker.C:
			s.sweepEvents(s.now())
		}
	}
}

// sweepTasks executes one session update worker tick: select eligible
// pending tasks by priority under the per-tick caps, apply each to its
// session, and retire or retry.
func (s *Service) sweepTasks(ctx context.Context, now time.Time) {
	tasks := s.queue.Select(now, s.cfg.HighPerTick, s.cfg.NormalPerTick)
	for _, t := range tasks {
		s.executeTask(ctx, t, now)
	}
	if len(tasks) > 0 {
		s.metrics.setQueueDepth(s.queue.Status().TotalTasks)
	}
}

func (s *Service) executeTask(ctx context.Context, t Task, now time.Time) {
	owner, registered := s.directory.Owner(t.SessionID)
	if !registered || owner != t.UserID {
		// The session is gone; nothing to refresh.
		s.queue.Discard(t.ID)
		s.metrics.taskResult("discarded")
		return
	}

	var err error
	switch t.Update {
	case UpdatePermissionRefresh:
		err = s.refresher.RefreshPermissions(ctx, t.UserID, t.SessionID)
	default:
		// role_change and full_sync both evict the session's cached
		// authorization state; the next access forces a refresh.
		err = s.refresher.EvictSession(ctx, t.UserID, t.SessionID)
	}
	if err == nil {
		s.queue.Complete(t.ID)
		s.metrics.taskResult("completed")
		return
	}

	if s.queue.Retry(t.ID, now.Add(s.backoff(t.Retries))) {
		s.metrics.taskResult("retried")
		s.logger.Warn("session update retry",
			slog.String("task_id", t.ID),
			slog.String("session_id", t.SessionID),
			slog.Int("retries", t.Retries+1),
			slog.Any("error", err))
		return
	}
	s.metrics.taskResult("failed")
	s.logger.Error("session update dropped after max retries",
		slog.String("task_id", t.ID),
		slog.String("session_id", t.SessionID),
		slog.String("event_id", t.EventID),
		slog.Any("error", err))
}

// backoff returns a jittered exponential delay keyed by the retry count,
// so sustained failures do not produce synchronized retry storms.
func (s *Service) backoff(retries int) time.Duration {
	base := s.cfg.SessionTick << uint(retries)
	if max := 30 * time.Second; base > max {
		base = max
	}
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}

// sweepEvents executes one propagation worker tick. An in_progress event is
// promoted to completed when its derived tasks have all retired, or when
// the propagation deadline has elapsed regardless of task state. The
// deadline is a best-effort signal, not a barrier: correctness is carried
// by the synchronous cache invalidation done at mutation time.
func (s *Service) sweepEvents(now time.Time) {
	for _, ev := range s.log.InProgress() {
		elapsed := now.Sub(ev.Timestamp)
		switch {
		case elapsed > s.cfg.PropagationTimeout:
			s.log.Complete(ev.ID, now)
			s.metrics.eventOutcome(ev.Type, "deadline")
		case elapsed >= s.cfg.SessionTick && s.queue.LiveForEvent(ev.ID) == 0:
			// Tasks are enqueued in the same call that marks the event
			// in_progress; the age gate keeps a sweep racing that call
			// from completing the event before they land.
			s.log.Complete(ev.ID, now)
			s.metrics.eventOutcome(ev.Type, "completed")
		}
	}
}

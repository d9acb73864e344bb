package anchor

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"
)

const DefaultSchedule = "*/5 * * * *"

type WorkerOptions struct {
	// Schedule is a cron expression; empty means every five minutes.
	Schedule      string
	RetentionDays int
}

// RunDrainWorker drains the queue on a cron schedule until ctx is cancelled.
// It is the daemon's default trigger; the queue itself never owns a timer.
func RunDrainWorker(ctx context.Context, q *Queue, opts WorkerOptions) error {
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.IsValid(schedule) {
		return fmt.Errorf("invalid drain schedule %q", schedule)
	}

	for {
		next, err := gronx.NextTickAfter(schedule, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next drain tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		q.RunOnce(ctx, opts.RetentionDays)
	}
}

// RunOnce drains due jobs and prunes the log. Errors are logged, not
// returned, so a failing tick never stops the worker.
func (q *Queue) RunOnce(ctx context.Context, retentionDays int) {
	outcomes, err := q.Drain(ctx, q.Now())
	if err != nil {
		q.log.WithFields(logrus.Fields{"error": err}).Error("anchor drain failed")
	}
	if len(outcomes) > 0 {
		q.log.WithFields(logrus.Fields{"outcomes": len(outcomes)}).Info("anchor drain complete")
	}
	if _, err := q.PruneLog(ctx, retentionDays); err != nil {
		q.log.WithFields(logrus.Fields{"error": err}).Warn("anchor log prune failed")
	}
}

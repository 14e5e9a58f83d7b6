package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/satsync/stac-ingester/service/log"
)

// Scheduler runs one synchronization cycle per day at a fixed wall-clock time
type Scheduler struct {
	Engine *Engine
	// At is the daily wake-up time, "HH:MM" (UTC)
	At string
}

// Run blocks, running a cycle every day at the configured time, until the
// context is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	at, err := time.Parse("15:04", s.At)
	if err != nil {
		return fmt.Errorf("Scheduler.Run: invalid time %q: %w", s.At, err)
	}

	for {
		wake := nextWake(time.Now().UTC(), at.Hour(), at.Minute())
		log.Logger(ctx).Sugar().Infof("next cycle at %s", wake.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(wake)):
		}

		if _, err := s.Engine.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Logger(ctx).Sugar().Errorf("cycle: %v", err)
		}
	}
}

// nextWake returns the first hh:mm strictly after now
func nextWake(now time.Time, hour, minute int) time.Time {
	wake := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !wake.After(now) {
		wake = wake.AddDate(0, 0, 1)
	}
	return wake
}

package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "0 3 * * *"

// Standard 5-field expressions: minute, hour, dom, month, dow.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Run sweeps on every fire time of sched until ctx is done. Sweeps run
// inline, so a slow sweep delays the next one instead of overlapping it.
func (s *Sweeper) Run(ctx context.Context, sched cron.Schedule) {
	s.logger.Info().Msg("retention scheduler started")
	for {
		next := sched.Next(time.Now())
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("retention scheduler stopped")
			return
		case <-timer.C:
		}

		if _, err := s.Sweep(ctx); err != nil {
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				s.logger.Info().Msg("retention sweep skipped, another instance holds the lock")
			case errors.Is(err, ErrPartialFailure):
				// steps already logged
			default:
				s.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

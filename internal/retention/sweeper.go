// Package retention deletes or redacts records past their retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"repetitor/internal/metrics"
)

const (
	DefaultRetentionDays = 90
	DefaultLockTTL       = 30 * time.Minute

	CategoryUsage           = "token_usage"
	CategoryInteractions    = "interactions"
	CategorySupportMessages = "support_messages"
	CategoryLedger          = "token_ledger"
	CategoryTickets         = "support_tickets_anonymized"
)

type Store interface {
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSupportMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLedgerBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AnonymizeTicketsBefore(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type Config struct {
	Store         Store
	Locker        *Locker
	RetentionDays int
	LockTTL       time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Sweeper struct {
	store   Store
	locker  *Locker
	window  time.Duration
	lockTTL time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSweeper(cfg Config) *Sweeper {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:   cfg.Store,
		locker:  cfg.Locker,
		window:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		lockTTL: cfg.LockTTL,
		logger:  cfg.Logger.With().Str("component", "retention").Logger(),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

type StepResult struct {
	Category string `json:"category"`
	Rows     int64  `json:"rows"`
	Error    string `json:"error,omitempty"`
}

type Report struct {
	StartedAt       time.Time    `json:"startedAt"`
	Cutoff          time.Time    `json:"cutoff"`
	AnonymizeCutoff time.Time    `json:"anonymizeCutoff"`
	Steps           []StepResult `json:"steps"`
}

// Count returns the rows affected by one category, or 0.
func (r Report) Count(category string) int64 {
	for _, s := range r.Steps {
		if s.Category == category {
			return s.Rows
		}
	}
	return 0
}

func (r Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Error != "" {
			return true
		}
	}
	return false
}

// ErrPartialFailure is returned alongside a complete Report when at least
// one step failed.
var ErrPartialFailure = errors.New("retention sweep finished with failed steps")

// Sweep runs every step once. A failing step is recorded and the remaining
// steps still run; a re-run with no new data affects zero rows.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	release, err := s.locker.Acquire(ctx, s.lockTTL)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		// The lock must be released even when ctx is already done.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			s.logger.Warn().Err(err).Msg("release retention lock failed")
		}
	}()

	now := s.now().UTC()
	report := Report{
		StartedAt:       now,
		Cutoff:          now.Add(-s.window),
		AnonymizeCutoff: now.Add(-2 * s.window),
	}

	steps := []struct {
		category string
		run      func(context.Context) (int64, error)
	}{
		{CategoryUsage, func(ctx context.Context) (int64, error) {
			return s.store.DeleteUsageBefore(ctx, report.Cutoff)
		}},
		{CategoryInteractions, func(ctx context.Context) (int64, error) {
			return s.store.DeleteInteractionsBefore(ctx, report.Cutoff)
		}},
		{CategorySupportMessages, func(ctx context.Context) (int64, error) {
			return s.store.DeleteSupportMessagesBefore(ctx, report.Cutoff)
		}},
		{CategoryLedger, func(ctx context.Context) (int64, error) {
			return s.store.DeleteLedgerBefore(ctx, report.Cutoff)
		}},
		{CategoryTickets, func(ctx context.Context) (int64, error) {
			return s.store.AnonymizeTicketsBefore(ctx, report.AnonymizeCutoff, now)
		}},
	}

	for _, step := range steps {
		res := StepResult{Category: step.category}
		n, err := s.runStep(ctx, step.category, step.run)
		if err != nil {
			res.Error = err.Error()
			s.metrics.RetentionFailures.WithLabelValues(step.category).Inc()
			s.logger.Error().Err(err).Str("category", step.category).Msg("retention step failed")
		} else {
			res.Rows = n
			s.metrics.RetentionRows.WithLabelValues(step.category).Add(float64(n))
		}
		report.Steps = append(report.Steps, res)
	}

	ev := s.logger.Info()
	for _, r := range report.Steps {
		ev = ev.Int64(r.Category, r.Rows)
	}
	ev.Time("cutoff", report.Cutoff).Msg("retention sweep finished")

	if report.Failed() {
		return report, ErrPartialFailure
	}
	return report, nil
}

func (s *Sweeper) runStep(ctx context.Context, category string, run func(context.Context) (int64, error)) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s step panicked: %v", category, r)
		}
	}()
	return run(ctx)
}

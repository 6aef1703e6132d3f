package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"repetitor/internal/apperr"
	"repetitor/internal/metrics"
	"repetitor/internal/storage"
)

// LedgerStore is the slice of the store the accountant depends on.
type LedgerStore interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	EnsureLedger(ctx context.Context, accountID string, year, month int, limit int64, now time.Time) (storage.LedgerEntry, error)
	CommitUsage(ctx context.Context, rec storage.UsageRecord, year, month int, limit int64) (bool, error)
}

type Options struct {
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
	MaxRetries  int
	BackoffBase time.Duration
}

type Accountant struct {
	store       LedgerStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	maxRetries  int
	backoffBase time.Duration
}

func NewAccountant(store LedgerStore, opts Options) *Accountant {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Global()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 50 * time.Millisecond
	}
	return &Accountant{
		store:       store,
		logger:      opts.Logger.With().Str("component", "quota").Logger(),
		metrics:     opts.Metrics,
		now:         opts.Now,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
	}
}

// Check reads the current period's ledger, creating it with the account's
// current entitlement on first use.
func (a *Accountant) Check(ctx context.Context, accountID string) (Status, error) {
	acc, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Status{}, apperr.New(apperr.KindUnauthorized, fmt.Errorf("account %s not found", accountID))
		}
		return Status{}, fmt.Errorf("load account: %w", err)
	}

	now := a.now()
	p := PeriodOf(now)
	e, err := a.store.EnsureLedger(ctx, accountID, p.Year, p.Month, Entitlement(acc.Plan), now)
	if err != nil {
		return Status{}, fmt.Errorf("ensure ledger: %w", err)
	}
	return newStatus(e.TokensUsed, e.TokenLimit, p), nil
}

// Authorize fails with *ExceededError when nothing remains in the period.
// It only reads the ledger; the increment happens later in Commit. Concurrent
// requests that all pass this check may together exceed the cap, each by at
// most the tokens of its own in-flight call.
func (a *Accountant) Authorize(ctx context.Context, accountID string) (Status, error) {
	st, err := a.Check(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	if st.Remaining <= 0 {
		a.metrics.QuotaRejections.Inc()
		return st, &ExceededError{
			PercentUsed: st.PercentUsed,
			Used:        st.Used,
			Limit:       st.Limit,
			ResetAt:     st.ResetAt,
		}
	}
	return st, nil
}

type Usage struct {
	RequestID    string
	AccountID    string
	InputTokens  int64
	OutputTokens int64
	Subject      string
	Model        string
}

// Commit records one completed provider call. Transient store failures are
// retried with backoff; the request id makes a retry after an ambiguous
// failure land at most once. Exhausted retries are returned as
// KindPersistenceConflict and must be surfaced by the caller. Commit never
// refuses on the cap: a call authorized earlier is always recorded, which is
// the bounded overshoot described on Authorize.
func (a *Accountant) Commit(ctx context.Context, u Usage) (int64, error) {
	if u.RequestID == "" {
		return 0, apperr.Validation("requestId", "request id is required")
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return 0, apperr.Validation("tokens", "token counts must be non-negative")
	}
	total := u.InputTokens + u.OutputTokens

	now := a.now()
	p := PeriodOf(now)
	limit := Entitlement(PlanFree)
	if acc, err := a.store.GetAccount(ctx, u.AccountID); err == nil {
		limit = Entitlement(acc.Plan)
	} else {
		a.logger.Warn().Err(err).Str("account_id", u.AccountID).Msg("plan lookup failed during commit, using default entitlement")
	}

	rec := storage.UsageRecord{
		RequestID:    u.RequestID,
		AccountID:    u.AccountID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Subject:      u.Subject,
		Model:        u.Model,
		CreatedAt:    now,
	}

	var lastErr error
retry:
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		committed, err := a.store.CommitUsage(ctx, rec, p.Year, p.Month, limit)
		if err == nil {
			if committed {
				a.metrics.TokensCommitted.Add(float64(total))
			} else {
				a.logger.Debug().Str("request_id", u.RequestID).Msg("usage already committed")
			}
			return total, nil
		}
		lastErr = err
		if attempt == a.maxRetries {
			break
		}
		a.logger.Warn().Err(err).Int("attempt", attempt+1).Str("request_id", u.RequestID).Msg("usage commit failed, retrying")
		select {
		case <-ctx.Done():
			lastErr = fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			break retry
		case <-time.After(a.backoffBase * (1 << attempt)):
		}
	}

	a.metrics.CommitFailures.Inc()
	a.logger.Error().Err(lastErr).
		Str("request_id", u.RequestID).
		Str("account_id", u.AccountID).
		Int64("total_tokens", total).
		Msg("usage commit failed")
	return 0, apperr.New(apperr.KindPersistenceConflict, fmt.Errorf("commit usage: %w", lastErr))
}

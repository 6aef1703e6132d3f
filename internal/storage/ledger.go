package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ledgerColumns = []string{"account_id", "year", "month", "tokens_used", "token_limit", "created_at"}

// EnsureLedger creates the period row with the given limit unless it already
// exists, then returns the stored row. Concurrent first calls converge on a
// single row; the limit of the first writer wins.
func (s *Store) EnsureLedger(ctx context.Context, accountID string, year, month int, limit int64, now time.Time) (LedgerEntry, error) {
	q := s.sql.Insert("token_ledger").
		Columns(ledgerColumns...).
		Values(accountID, year, month, 0, limit, now.UTC()).
		Suffix("ON CONFLICT(account_id, year, month) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("build ensure ledger query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return LedgerEntry{}, classify(fmt.Errorf("ensure ledger: %w", err))
	}
	return s.GetLedger(ctx, accountID, year, month)
}

func (s *Store) GetLedger(ctx context.Context, accountID string, year, month int) (LedgerEntry, error) {
	q := s.sql.Select(ledgerColumns...).
		From("token_ledger").
		Where(sq.Eq{"account_id": accountID, "year": year, "month": month})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("build get ledger query: %w", err)
	}

	var e LedgerEntry
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&e.AccountID, &e.Year, &e.Month, &e.TokensUsed, &e.TokenLimit, &e.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, ErrNotFound
		}
		return LedgerEntry{}, fmt.Errorf("get ledger: %w", err)
	}
	return e, nil
}

// CommitUsage appends the usage row and increments the period counter in one
// transaction. The request id is unique, so replaying a commit that already
// landed changes nothing and reports committed=false.
func (s *Store) CommitUsage(ctx context.Context, rec UsageRecord, year, month int, limit int64) (committed bool, err error) {
	if rec.InputTokens < 0 || rec.OutputTokens < 0 {
		return false, fmt.Errorf("negative token counts")
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	createdAt := rec.CreatedAt.UTC()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ins := s.sql.Insert("token_usage").
			Columns("request_id", "account_id", "input_tokens", "output_tokens", "total_tokens", "subject", "model", "created_at").
			Values(rec.RequestID, rec.AccountID, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.Subject, rec.Model, createdAt).
			Suffix("ON CONFLICT(request_id) DO NOTHING")
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build usage insert query: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
		if rowsAffected(res) == 0 {
			return nil
		}

		upsert := s.sql.Insert("token_ledger").
			Columns(ledgerColumns...).
			Values(rec.AccountID, year, month, rec.TotalTokens, limit, createdAt).
			Suffix("ON CONFLICT(account_id, year, month) DO UPDATE SET tokens_used = token_ledger.tokens_used + excluded.tokens_used")
		sqlStr, args, err = upsert.ToSql()
		if err != nil {
			return fmt.Errorf("build ledger increment query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("increment ledger: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

// SumUsage totals committed tokens for an account within [from, to).
func (s *Store) SumUsage(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	q := s.sql.Select("COALESCE(SUM(total_tokens), 0)").
		From("token_usage").
		Where(sq.Eq{"account_id": accountID}).
		Where(sq.GtOrEq{"created_at": from.UTC()}).
		Where(sq.Lt{"created_at": to.UTC()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sum usage query: %w", err)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

func (s *Store) ListUsage(ctx context.Context, accountID string, limit int) ([]UsageRecord, error) {
	q := s.sql.Select("request_id", "account_id", "input_tokens", "output_tokens", "total_tokens", "subject", "model", "created_at").
		From("token_usage").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageRecord, 0)
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.RequestID, &r.AccountID, &r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.Subject, &r.Model, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func (s *Store) listLedger(ctx context.Context, accountID string) ([]LedgerEntry, error) {
	q := s.sql.Select(ledgerColumns...).
		From("token_ledger").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("year DESC", "month DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list ledger query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	out := make([]LedgerEntry, 0)
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.AccountID, &e.Year, &e.Month, &e.TokensUsed, &e.TokenLimit, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

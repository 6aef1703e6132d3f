package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	AnonymizedMarker       = "[Anonymized]"
	AnonymizedProblemText  = "[Data anonymized per retention policy]"
	DeletedAccountMarker   = "[Deleted]"
	emptyConversationValue = "{}"
)

// DeleteUsageBefore removes token usage rows created strictly before cutoff.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "token_usage", cutoff, nil)
}

func (s *Store) DeleteInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "interactions", cutoff, nil)
}

// DeleteSupportMessagesBefore removes non-escalated support messages; escalated
// ones are kept regardless of age.
func (s *Store) DeleteSupportMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "support_messages", cutoff, sq.Eq{"escalated": false})
}

// DeleteLedgerBefore removes ledger periods that ended before the cutoff month.
func (s *Store) DeleteLedgerBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	q := s.sql.Delete("token_ledger").
		Where(sq.Lt{"year * 12 + month": cutoff.Year()*12 + int(cutoff.Month())})
	return s.execCount(ctx, q, "delete ledger")
}

// AnonymizeTicketsBefore redacts RESOLVED or CLOSED tickets last created before
// cutoff. Rows already anonymized are skipped so a re-run reports zero.
func (s *Store) AnonymizeTicketsBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	q := s.sql.Update("support_tickets").
		Set("user_name", AnonymizedMarker).
		Set("user_email", AnonymizedMarker).
		Set("problem", AnonymizedProblemText).
		Set("conversation", emptyConversationValue).
		Set("account_id", nil).
		Set("anonymized_at", now.UTC()).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"status": []string{TicketResolved, TicketClosed}, "anonymized_at": nil}).
		Where(sq.Lt{"created_at": cutoff.UTC()})
	return s.execCount(ctx, q, "anonymize tickets")
}

func (s *Store) deleteBefore(ctx context.Context, table string, cutoff time.Time, extra sq.Sqlizer) (int64, error) {
	q := s.sql.Delete(table).Where(sq.Lt{"created_at": cutoff.UTC()})
	if extra != nil {
		q = q.Where(extra)
	}
	return s.execCount(ctx, q, "delete "+table)
}

type execSqlizer interface {
	ToSql() (string, []any, error)
}

func (s *Store) execCount(ctx context.Context, q execSqlizer, op string) (int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, classify(fmt.Errorf("%s: %w", op, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n, nil
}

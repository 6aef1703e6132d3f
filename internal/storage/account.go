package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DeleteAccount removes everything owned by an account in one transaction.
// Support tickets outlive the account: they are detached and marked deleted.
func (s *Store) DeleteAccount(ctx context.Context, accountID string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		sel, args, err := s.sql.Select("COUNT(*)").From("accounts").Where(sq.Eq{"id": accountID}).ToSql()
		if err != nil {
			return fmt.Errorf("build account lookup query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, sel, args...).Scan(&exists); err != nil {
			return fmt.Errorf("lookup account: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		steps := []struct {
			op string
			q  execSqlizer
		}{
			{"delete usage", s.sql.Delete("token_usage").Where(sq.Eq{"account_id": accountID})},
			{"delete ledger", s.sql.Delete("token_ledger").Where(sq.Eq{"account_id": accountID})},
			{"delete interactions", s.sql.Delete("interactions").Where(sq.Eq{"account_id": accountID})},
			{"delete support messages", s.sql.Delete("support_messages").Where(sq.Eq{"account_id": accountID})},
			{"delete consent links", s.sql.Delete("consent_links").Where(sq.Or{
				sq.Eq{"parent_id": accountID},
				sq.Eq{"child_id": accountID},
			})},
			{"detach tickets", s.sql.Update("support_tickets").
				Set("user_name", DeletedAccountMarker).
				Set("user_email", DeletedAccountMarker).
				Set("account_id", nil).
				Set("updated_at", now.UTC()).
				Where(sq.Eq{"account_id": accountID})},
			{"delete account", s.sql.Delete("accounts").Where(sq.Eq{"id": accountID})},
		}
		for _, st := range steps {
			sqlStr, args, err := st.q.ToSql()
			if err != nil {
				return fmt.Errorf("build %s query: %w", st.op, err)
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("%s: %w", st.op, err)
			}
		}
		return nil
	})
}

// ExportAccount collects every record stored for the account.
func (s *Store) ExportAccount(ctx context.Context, accountID string) (AccountExport, error) {
	var out AccountExport
	var err error

	if out.Account, err = s.GetAccount(ctx, accountID); err != nil {
		return AccountExport{}, err
	}
	if out.Ledger, err = s.listLedger(ctx, accountID); err != nil {
		return AccountExport{}, err
	}
	if out.Usage, err = s.ListUsage(ctx, accountID, 0); err != nil {
		return AccountExport{}, err
	}
	if out.Interactions, err = s.InteractionsSince(ctx, accountID, time.Time{}); err != nil {
		return AccountExport{}, err
	}
	if out.ParentLinks, err = s.ListLinksForParent(ctx, accountID); err != nil {
		return AccountExport{}, err
	}
	childLinks, err := s.ListLinksForChild(ctx, accountID)
	if err != nil {
		return AccountExport{}, err
	}
	out.ChildLinks = make([]ConsentLink, 0, len(childLinks))
	for _, l := range childLinks {
		out.ChildLinks = append(out.ChildLinks, l.ConsentLink)
	}
	if out.SupportTickets, err = s.ListTickets(ctx, accountID); err != nil {
		return AccountExport{}, err
	}
	if out.SupportMessages, err = s.queryMessages(ctx, s.sql.Select(messageColumns...).
		From("support_messages").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("created_at ASC")); err != nil {
		return AccountExport{}, err
	}
	return out, nil
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

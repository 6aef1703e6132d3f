package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

var accountColumns = []string{"id", "role", "plan", "name", "email", "telegram_id", "created_at"}

func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	if a.Plan == "" {
		a.Plan = "FREE"
	}
	q := s.sql.Insert("accounts").
		Columns(accountColumns...).
		Values(a.ID, a.Role, a.Plan, a.Name, a.Email, a.TelegramID, a.CreatedAt.UTC()).
		Suffix("ON CONFLICT(id) DO UPDATE SET role=excluded.role, plan=excluded.plan, name=excluded.name, email=excluded.email, telegram_id=excluded.telegram_id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert account query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	q := s.sql.Select(accountColumns...).From("accounts").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Account{}, fmt.Errorf("build get account query: %w", err)
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var tg sql.NullInt64
	if err := row.Scan(&a.ID, &a.Role, &a.Plan, &a.Name, &a.Email, &tg, &a.CreatedAt); err != nil {
		return Account{}, err
	}
	if tg.Valid {
		a.TelegramID = &tg.Int64
	}
	return a, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("id", "account_id", "action", "meta_json", "created_at").
		Values(uuid.NewString(), e.AccountID, e.Action, e.MetaJSON, e.CreatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CountAudit returns the number of audit rows recorded for an action.
func (s *Store) CountAudit(ctx context.Context, accountID, action string) (int, error) {
	q := s.sql.Select("COUNT(*)").From("audit_log").Where(sq.Eq{"account_id": accountID, "action": action})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count audit query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var consentColumns = []string{"id", "parent_id", "child_id", "child_name", "grade", "status", "created_at", "consented_at"}

// CreateConsentLink inserts a PENDING link. ErrConflict means a link for the
// same (parent, child) pair already exists.
func (s *Store) CreateConsentLink(ctx context.Context, l ConsentLink) error {
	q := s.sql.Insert("consent_links").
		Columns(consentColumns...).
		Values(l.ID, l.ParentID, l.ChildID, l.ChildName, l.Grade, ConsentPending, l.CreatedAt.UTC(), nil).
		Suffix("ON CONFLICT(parent_id, child_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build consent link insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert consent link: %w", err)
	}
	if rowsAffected(res) == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) GetConsentLink(ctx context.Context, id string) (ConsentLink, error) {
	links, err := s.queryConsentLinks(ctx, s.sql.Select(consentColumns...).
		From("consent_links").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return ConsentLink{}, err
	}
	if len(links) == 0 {
		return ConsentLink{}, ErrNotFound
	}
	return links[0], nil
}

func (s *Store) FindConsentLink(ctx context.Context, parentID, childID string) (ConsentLink, error) {
	links, err := s.queryConsentLinks(ctx, s.sql.Select(consentColumns...).
		From("consent_links").
		Where(sq.Eq{"parent_id": parentID, "child_id": childID}))
	if err != nil {
		return ConsentLink{}, err
	}
	if len(links) == 0 {
		return ConsentLink{}, ErrNotFound
	}
	return links[0], nil
}

func (s *Store) ListLinksForParent(ctx context.Context, parentID string) ([]ConsentLink, error) {
	return s.queryConsentLinks(ctx, s.sql.Select(consentColumns...).
		From("consent_links").
		Where(sq.Eq{"parent_id": parentID}).
		OrderBy("created_at ASC"))
}

func (s *Store) ListLinksForChild(ctx context.Context, childID string) ([]ConsentLinkWithParent, error) {
	return s.queryLinksWithParent(ctx, sq.Eq{"l.child_id": childID})
}

func (s *Store) ListPendingForChild(ctx context.Context, childID string) ([]ConsentLinkWithParent, error) {
	return s.queryLinksWithParent(ctx, sq.Eq{"l.child_id": childID, "l.status": ConsentPending})
}

// ApproveConsentLink flips a PENDING link to APPROVED. The update is guarded on
// child and status, so only the first approval by the linked child succeeds.
func (s *Store) ApproveConsentLink(ctx context.Context, id, childID string, at time.Time) error {
	q := s.sql.Update("consent_links").
		Set("status", ConsentApproved).
		Set("consented_at", at.UTC()).
		Where(sq.Eq{"id": id, "child_id": childID, "status": ConsentPending})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build approve consent query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return classify(fmt.Errorf("approve consent: %w", err))
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingConsentLink removes a PENDING link on the child's decline.
func (s *Store) DeletePendingConsentLink(ctx context.Context, id, childID string) error {
	q := s.sql.Delete("consent_links").
		Where(sq.Eq{"id": id, "child_id": childID, "status": ConsentPending})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build decline consent query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return classify(fmt.Errorf("decline consent: %w", err))
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) HasApprovedLink(ctx context.Context, parentID, childID string) (bool, error) {
	q := s.sql.Select("COUNT(*)").
		From("consent_links").
		Where(sq.Eq{"parent_id": parentID, "child_id": childID, "status": ConsentApproved})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build approved link query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check approved link: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryConsentLinks(ctx context.Context, q sq.SelectBuilder) ([]ConsentLink, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build consent links query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list consent links: %w", err)
	}
	defer rows.Close()

	out := make([]ConsentLink, 0)
	for rows.Next() {
		l, err := scanConsentLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent link rows: %w", err)
	}
	return out, nil
}

func (s *Store) queryLinksWithParent(ctx context.Context, where sq.Sqlizer) ([]ConsentLinkWithParent, error) {
	q := s.sql.Select(
		"l.id", "l.parent_id", "l.child_id", "l.child_name", "l.grade", "l.status", "l.created_at", "l.consented_at",
		"p.name", "p.email",
	).From("consent_links l").
		Join("accounts p ON p.id = l.parent_id").
		Where(where).
		OrderBy("l.created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build links with parent query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list links with parent: %w", err)
	}
	defer rows.Close()

	out := make([]ConsentLinkWithParent, 0)
	for rows.Next() {
		var l ConsentLinkWithParent
		var consentedAt sql.NullTime
		if err := rows.Scan(
			&l.ID, &l.ParentID, &l.ChildID, &l.ChildName, &l.Grade, &l.Status, &l.CreatedAt, &consentedAt,
			&l.ParentName, &l.ParentEmail,
		); err != nil {
			return nil, fmt.Errorf("scan link with parent row: %w", err)
		}
		if consentedAt.Valid {
			l.ConsentedAt = &consentedAt.Time
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link with parent rows: %w", err)
	}
	return out, nil
}

func scanConsentLink(row rowScanner) (ConsentLink, error) {
	var l ConsentLink
	var consentedAt sql.NullTime
	if err := row.Scan(&l.ID, &l.ParentID, &l.ChildID, &l.ChildName, &l.Grade, &l.Status, &l.CreatedAt, &consentedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsentLink{}, ErrNotFound
		}
		return ConsentLink{}, fmt.Errorf("scan consent link row: %w", err)
	}
	if consentedAt.Valid {
		l.ConsentedAt = &consentedAt.Time
	}
	return l, nil
}

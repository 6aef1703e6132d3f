package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var interactionColumns = []string{
	"id", "account_id", "subject", "grade", "user_message", "ai_response",
	"confidence", "needs_review", "input_mode", "output_mode", "created_at",
}

func (s *Store) InsertInteraction(ctx context.Context, in Interaction) (string, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	userMessage, err := s.seal(in.UserMessage)
	if err != nil {
		return "", fmt.Errorf("seal user message: %w", err)
	}
	aiResponse, err := s.seal(in.AIResponse)
	if err != nil {
		return "", fmt.Errorf("seal ai response: %w", err)
	}

	q := s.sql.Insert("interactions").
		Columns(interactionColumns...).
		Values(in.ID, in.AccountID, in.Subject, in.Grade, userMessage, aiResponse,
			in.Confidence, in.NeedsReview, in.InputMode, in.OutputMode, in.CreatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build interaction insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("insert interaction: %w", err)
	}
	return in.ID, nil
}

// RecentInteractions returns the newest interactions for a subject, newest first.
func (s *Store) RecentInteractions(ctx context.Context, accountID, subject string, limit int) ([]Interaction, error) {
	q := s.sql.Select(interactionColumns...).
		From("interactions").
		Where(sq.Eq{"account_id": accountID, "subject": subject}).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.queryInteractions(ctx, q)
}

// InteractionsSince returns an account's interactions at or after since, newest first.
func (s *Store) InteractionsSince(ctx context.Context, accountID string, since time.Time) ([]Interaction, error) {
	q := s.sql.Select(interactionColumns...).
		From("interactions").
		Where(sq.Eq{"account_id": accountID}).
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC")
	return s.queryInteractions(ctx, q)
}

func (s *Store) queryInteractions(ctx context.Context, q sq.SelectBuilder) ([]Interaction, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build interactions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	out := make([]Interaction, 0)
	for rows.Next() {
		in, err := s.scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interaction rows: %w", err)
	}
	return out, nil
}

func (s *Store) scanInteraction(rows *sql.Rows) (Interaction, error) {
	var in Interaction
	if err := rows.Scan(
		&in.ID,
		&in.AccountID,
		&in.Subject,
		&in.Grade,
		&in.UserMessage,
		&in.AIResponse,
		&in.Confidence,
		&in.NeedsReview,
		&in.InputMode,
		&in.OutputMode,
		&in.CreatedAt,
	); err != nil {
		return Interaction{}, fmt.Errorf("scan interaction row: %w", err)
	}
	var err error
	if in.UserMessage, err = s.open(in.UserMessage); err != nil {
		return Interaction{}, fmt.Errorf("open user message: %w", err)
	}
	if in.AIResponse, err = s.open(in.AIResponse); err != nil {
		return Interaction{}, fmt.Errorf("open ai response: %w", err)
	}
	return in, nil
}

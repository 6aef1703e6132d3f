package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	ticketColumns  = []string{"id", "account_id", "user_name", "user_email", "problem", "conversation", "status", "created_at", "updated_at", "anonymized_at"}
	messageColumns = []string{"id", "ticket_id", "account_id", "role", "content", "escalated", "created_at"}
)

func (s *Store) CreateTicket(ctx context.Context, t SupportTicket) (SupportTicket, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TicketOpen
	}
	if t.Conversation == "" {
		t.Conversation = "{}"
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.CreatedAt

	q := s.sql.Insert("support_tickets").
		Columns(ticketColumns...).
		Values(t.ID, t.AccountID, t.UserName, t.UserEmail, t.Problem, t.Conversation, t.Status, t.CreatedAt, t.UpdatedAt, nil)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SupportTicket{}, fmt.Errorf("build ticket insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return SupportTicket{}, fmt.Errorf("insert ticket: %w", err)
	}
	return t, nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (SupportTicket, error) {
	tickets, err := s.queryTickets(ctx, s.sql.Select(ticketColumns...).From("support_tickets").Where(sq.Eq{"id": id}))
	if err != nil {
		return SupportTicket{}, err
	}
	if len(tickets) == 0 {
		return SupportTicket{}, ErrNotFound
	}
	return tickets[0], nil
}

func (s *Store) ListTickets(ctx context.Context, accountID string) ([]SupportTicket, error) {
	return s.queryTickets(ctx, s.sql.Select(ticketColumns...).
		From("support_tickets").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("created_at DESC"))
}

// AddSupportMessage appends a message to a ticket. An escalated message moves
// an open ticket to ESCALATED in the same transaction.
func (s *Store) AddSupportMessage(ctx context.Context, m SupportMessage) (SupportMessage, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ins := s.sql.Insert("support_messages").
			Columns(messageColumns...).
			Values(m.ID, m.TicketID, m.AccountID, m.Role, m.Content, m.Escalated, m.CreatedAt)
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build support message insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert support message: %w", err)
		}

		upd := s.sql.Update("support_tickets").
			Set("updated_at", m.CreatedAt).
			Where(sq.Eq{"id": m.TicketID})
		if m.Escalated {
			upd = upd.Set("status", TicketEscalated).
				Where(sq.Eq{"status": []string{TicketOpen, TicketEscalated}})
		}
		sqlStr, args, err = upd.ToSql()
		if err != nil {
			return fmt.Errorf("build ticket touch query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("touch ticket: %w", err)
		}
		return nil
	})
	if err != nil {
		return SupportMessage{}, err
	}
	return m, nil
}

func (s *Store) SetTicketStatus(ctx context.Context, id, status string, at time.Time) error {
	q := s.sql.Update("support_tickets").
		Set("status", status).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ticket status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set ticket status: %w", err)
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSupportMessages(ctx context.Context, ticketID string) ([]SupportMessage, error) {
	return s.queryMessages(ctx, s.sql.Select(messageColumns...).
		From("support_messages").
		Where(sq.Eq{"ticket_id": ticketID}).
		OrderBy("created_at ASC"))
}

func (s *Store) queryTickets(ctx context.Context, q sq.SelectBuilder) ([]SupportTicket, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tickets query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	out := make([]SupportTicket, 0)
	for rows.Next() {
		var t SupportTicket
		var accountID sql.NullString
		var anonymizedAt sql.NullTime
		if err := rows.Scan(&t.ID, &accountID, &t.UserName, &t.UserEmail, &t.Problem, &t.Conversation, &t.Status, &t.CreatedAt, &t.UpdatedAt, &anonymizedAt); err != nil {
			return nil, fmt.Errorf("scan ticket row: %w", err)
		}
		if accountID.Valid {
			t.AccountID = &accountID.String
		}
		if anonymizedAt.Valid {
			t.AnonymizedAt = &anonymizedAt.Time
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket rows: %w", err)
	}
	return out, nil
}

func (s *Store) queryMessages(ctx context.Context, q sq.SelectBuilder) ([]SupportMessage, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build support messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list support messages: %w", err)
	}
	defer rows.Close()

	out := make([]SupportMessage, 0)
	for rows.Next() {
		var m SupportMessage
		var accountID sql.NullString
		if err := rows.Scan(&m.ID, &m.TicketID, &accountID, &m.Role, &m.Content, &m.Escalated, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan support message row: %w", err)
		}
		if accountID.Valid {
			m.AccountID = &accountID.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate support message rows: %w", err)
	}
	return out, nil
}

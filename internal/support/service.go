// Package support runs the user-facing support channel: tickets, their
// messages and escalation to a human operator.
package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"repetitor/internal/apperr"
	"repetitor/internal/storage"
)

const (
	maxProblemRunes = 2000
	maxMessageRunes = 4000

	RoleUser = "user"
)

var ErrTicketClosed = errors.New("ticket is closed")

type Store interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	CreateTicket(ctx context.Context, t storage.SupportTicket) (storage.SupportTicket, error)
	GetTicket(ctx context.Context, id string) (storage.SupportTicket, error)
	ListTickets(ctx context.Context, accountID string) ([]storage.SupportTicket, error)
	AddSupportMessage(ctx context.Context, m storage.SupportMessage) (storage.SupportMessage, error)
	SetTicketStatus(ctx context.Context, id, status string, at time.Time) error
	ListSupportMessages(ctx context.Context, ticketID string) ([]storage.SupportMessage, error)
}

type Escalator interface {
	SupportEscalated(ctx context.Context, ticket storage.SupportTicket, msg storage.SupportMessage) error
}

type Service struct {
	store     Store
	escalator Escalator
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store Store, escalator Escalator, logger zerolog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		escalator: escalator,
		logger:    logger.With().Str("component", "support").Logger(),
		now:       now,
	}
}

func (s *Service) Open(ctx context.Context, accountID, problem string) (storage.SupportTicket, error) {
	problem = strings.TrimSpace(problem)
	if n := utf8.RuneCountInString(problem); n == 0 || n > maxProblemRunes {
		return storage.SupportTicket{}, apperr.Validation("problem", "problem must be 1-2000 characters")
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.SupportTicket{}, apperr.New(apperr.KindUnauthorized, err)
		}
		return storage.SupportTicket{}, fmt.Errorf("load account: %w", err)
	}
	return s.store.CreateTicket(ctx, storage.SupportTicket{
		AccountID: &accountID,
		UserName:  acc.Name,
		UserEmail: acc.Email,
		Problem:   problem,
		CreatedAt: s.now(),
	})
}

// AddMessage appends the caller's message. escalate marks it for a human and
// moves the ticket to ESCALATED.
func (s *Service) AddMessage(ctx context.Context, accountID, ticketID, content string, escalate bool) (storage.SupportMessage, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > maxMessageRunes {
		return storage.SupportMessage{}, apperr.Validation("content", "message must be 1-4000 characters")
	}
	ticket, err := s.owned(ctx, accountID, ticketID)
	if err != nil {
		return storage.SupportMessage{}, err
	}
	if ticket.Status == storage.TicketClosed {
		return storage.SupportMessage{}, apperr.New(apperr.KindConflict, ErrTicketClosed)
	}

	msg, err := s.store.AddSupportMessage(ctx, storage.SupportMessage{
		TicketID:  ticket.ID,
		AccountID: &accountID,
		Role:      RoleUser,
		Content:   content,
		Escalated: escalate,
		CreatedAt: s.now(),
	})
	if err != nil {
		return storage.SupportMessage{}, fmt.Errorf("add support message: %w", err)
	}
	if escalate && s.escalator != nil {
		if err := s.escalator.SupportEscalated(ctx, ticket, msg); err != nil {
			s.logger.Warn().Err(err).Str("ticket_id", ticket.ID).Msg("escalation notification failed")
		}
	}
	return msg, nil
}

// SetStatus lets the owner resolve or close a ticket.
func (s *Service) SetStatus(ctx context.Context, accountID, ticketID, status string) error {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != storage.TicketResolved && status != storage.TicketClosed {
		return apperr.Validation("status", "status must be RESOLVED or CLOSED")
	}
	if _, err := s.owned(ctx, accountID, ticketID); err != nil {
		return err
	}
	if err := s.store.SetTicketStatus(ctx, ticketID, status, s.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, err)
		}
		return fmt.Errorf("set ticket status: %w", err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, accountID string) ([]storage.SupportTicket, error) {
	return s.store.ListTickets(ctx, accountID)
}

func (s *Service) Messages(ctx context.Context, accountID, ticketID string) ([]storage.SupportMessage, error) {
	if _, err := s.owned(ctx, accountID, ticketID); err != nil {
		return nil, err
	}
	return s.store.ListSupportMessages(ctx, ticketID)
}

// owned loads a ticket; someone else's ticket reads as not found.
func (s *Service) owned(ctx context.Context, accountID, ticketID string) (storage.SupportTicket, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.SupportTicket{}, apperr.New(apperr.KindNotFound, err)
		}
		return storage.SupportTicket{}, fmt.Errorf("load ticket: %w", err)
	}
	if t.AccountID == nil || *t.AccountID != accountID {
		return storage.SupportTicket{}, apperr.New(apperr.KindNotFound, storage.ErrNotFound)
	}
	return t, nil
}

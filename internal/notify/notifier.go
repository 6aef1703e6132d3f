// Package notify turns domain events into queued Telegram messages.
package notify

import (
	"context"
	"fmt"
	"strings"

	"repetitor/internal/queue"
	"repetitor/internal/storage"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.NotifyJob) (string, error)
}

type Notifier struct {
	queue       Enqueuer
	adminChatID int64
}

func New(q Enqueuer, adminChatID int64) *Notifier {
	return &Notifier{queue: q, adminChatID: adminChatID}
}

// ConsentRequested tells the child a parent wants to monitor them. Children
// without a linked Telegram chat get nothing.
func (n *Notifier) ConsentRequested(ctx context.Context, parent, child storage.Account, link storage.ConsentLink) error {
	if n == nil || child.TelegramID == nil {
		return nil
	}
	name := strings.TrimSpace(parent.Name)
	if name == "" {
		name = "Родитель"
	}
	text := fmt.Sprintf(
		"%s (%s) просит доступ к вашей статистике занятий. Откройте приложение, чтобы разрешить или отклонить запрос.",
		name, parent.Email,
	)
	_, err := n.queue.Enqueue(ctx, queue.NotifyJob{
		Kind:   queue.KindConsentRequest,
		ChatID: *child.TelegramID,
		Text:   text,
	})
	return err
}

// SupportEscalated pages the admin chat about an escalated support message.
func (n *Notifier) SupportEscalated(ctx context.Context, ticket storage.SupportTicket, msg storage.SupportMessage) error {
	if n == nil || n.adminChatID == 0 {
		return nil
	}
	text := fmt.Sprintf("Эскалация обращения %s\nОт: %s <%s>\nПроблема: %s\nСообщение: %s",
		ticket.ID, ticket.UserName, ticket.UserEmail, ticket.Problem, msg.Content)
	_, err := n.queue.Enqueue(ctx, queue.NotifyJob{
		Kind:   queue.KindSupportEscalation,
		ChatID: n.adminChatID,
		Text:   text,
	})
	return err
}

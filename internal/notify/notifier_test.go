package notify

import (
	"context"
	"strings"
	"testing"

	"repetitor/internal/queue"
	"repetitor/internal/storage"
)

type captureQueue struct {
	jobs []queue.NotifyJob
}

func (c *captureQueue) Enqueue(_ context.Context, job queue.NotifyJob) (string, error) {
	c.jobs = append(c.jobs, job)
	return "1-0", nil
}

func TestConsentRequestedTargetsChildChat(t *testing.T) {
	q := &captureQueue{}
	n := New(q, 0)
	chat := int64(555)

	parent := storage.Account{ID: "p", Name: "Анна", Email: "anna@example.com"}
	if err := n.ConsentRequested(context.Background(), parent, storage.Account{ID: "c"}, storage.ConsentLink{}); err != nil {
		t.Fatalf("notify without chat: %v", err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("child without telegram must not be notified")
	}

	if err := n.ConsentRequested(context.Background(), parent, storage.Account{ID: "c", TelegramID: &chat}, storage.ConsentLink{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].ChatID != 555 || q.jobs[0].Kind != queue.KindConsentRequest {
		t.Fatalf("unexpected jobs %+v", q.jobs)
	}
	if !strings.Contains(q.jobs[0].Text, "Анна") {
		t.Fatalf("text must name the parent: %q", q.jobs[0].Text)
	}
}

func TestSupportEscalatedNeedsAdminChat(t *testing.T) {
	q := &captureQueue{}
	ticket := storage.SupportTicket{ID: "t1", UserName: "Ivan", Problem: "не работает"}
	if err := New(q, 0).SupportEscalated(context.Background(), ticket, storage.SupportMessage{Content: "срочно"}); err != nil || len(q.jobs) != 0 {
		t.Fatalf("no admin chat means no job, got %d (%v)", len(q.jobs), err)
	}
	if err := New(q, 99).SupportEscalated(context.Background(), ticket, storage.SupportMessage{Content: "срочно"}); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].ChatID != 99 || !strings.Contains(q.jobs[0].Text, "t1") {
		t.Fatalf("unexpected jobs %+v", q.jobs)
	}
}

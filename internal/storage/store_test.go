package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tutor.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, id, role string) {
	t.Helper()
	err := s.UpsertAccount(context.Background(), Account{
		ID:        id,
		Role:      role,
		Name:      "name-" + id,
		Email:     id + "@example.com",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func TestEnsureLedgerIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", RoleStudent)
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	first, err := s.EnsureLedger(ctx, "acc-1", 2026, 3, 50000, now)
	if err != nil {
		t.Fatalf("ensure#1: %v", err)
	}
	second, err := s.EnsureLedger(ctx, "acc-1", 2026, 3, 2000000, now)
	if err != nil {
		t.Fatalf("ensure#2: %v", err)
	}
	if first.TokenLimit != 50000 || second.TokenLimit != 50000 {
		t.Fatalf("limit must stay fixed for the period, got %d then %d", first.TokenLimit, second.TokenLimit)
	}
	if second.TokensUsed != 0 {
		t.Fatalf("expected zero usage, got %d", second.TokensUsed)
	}
}

func TestCommitUsageReplayIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", RoleStudent)
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	rec := UsageRecord{RequestID: "req-1", AccountID: "acc-1", InputTokens: 50, OutputTokens: 60, Subject: "math", Model: "m", CreatedAt: now}
	ok, err := s.CommitUsage(ctx, rec, 2026, 3, 50000)
	if err != nil || !ok {
		t.Fatalf("commit#1: ok=%v err=%v", ok, err)
	}
	ok, err = s.CommitUsage(ctx, rec, 2026, 3, 50000)
	if err != nil {
		t.Fatalf("commit#2: %v", err)
	}
	if ok {
		t.Fatalf("replayed request id must not commit twice")
	}

	e, err := s.GetLedger(ctx, "acc-1", 2026, 3)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if e.TokensUsed != 110 {
		t.Fatalf("expected 110 tokens used, got %d", e.TokensUsed)
	}
}

func TestCommitUsageConcurrentNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", RoleStudent)
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	if _, err := s.EnsureLedger(ctx, "acc-1", 2026, 3, 50000, now); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	var want int64
	for i := 0; i < n; i++ {
		in, out := int64(i+1), int64(2*i+1)
		want += in + out
		wg.Add(1)
		go func(i int, in, out int64) {
			defer wg.Done()
			_, err := s.CommitUsage(ctx, UsageRecord{
				RequestID:    fmt.Sprintf("req-%d", i),
				AccountID:    "acc-1",
				InputTokens:  in,
				OutputTokens: out,
				Subject:      "math",
				Model:        "m",
				CreatedAt:    now,
			}, 2026, 3, 50000)
			if err != nil {
				errs <- err
			}
		}(i, in, out)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit: %v", err)
	}

	e, err := s.GetLedger(ctx, "acc-1", 2026, 3)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if e.TokensUsed != want {
		t.Fatalf("expected %d tokens used, got %d", want, e.TokensUsed)
	}
	sum, err := s.SumUsage(ctx, "acc-1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("sum usage: %v", err)
	}
	if sum != e.TokensUsed {
		t.Fatalf("ledger %d does not match usage rows %d", e.TokensUsed, sum)
	}
}

type prefixSealer struct{}

func (prefixSealer) Seal(v string) (string, error) { return "sealed:" + v, nil }
func (prefixSealer) Open(v string) (string, error) {
	if !strings.HasPrefix(v, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(v, "sealed:"), nil
}

func TestInteractionsSealedAndOrdered(t *testing.T) {
	s := newTestStore(t).WithSealer(prefixSealer{})
	ctx := context.Background()
	seedAccount(t, s, "acc-1", RoleStudent)
	base := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.InsertInteraction(ctx, Interaction{
			AccountID:   "acc-1",
			Subject:     "math",
			Grade:       7,
			UserMessage: fmt.Sprintf("q%d", i),
			AIResponse:  fmt.Sprintf("a%d", i),
			Confidence:  0.9,
			InputMode:   "text",
			OutputMode:  "text",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert interaction %d: %v", i, err)
		}
	}

	var raw string
	if err := s.DB().QueryRowContext(ctx, "SELECT user_message FROM interactions ORDER BY created_at LIMIT 1").Scan(&raw); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if raw != "sealed:q0" {
		t.Fatalf("expected sealed text at rest, got %q", raw)
	}

	got, err := s.RecentInteractions(ctx, "acc-1", "math", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].UserMessage != "q2" || got[1].UserMessage != "q1" {
		t.Fatalf("unexpected recent interactions: %+v", got)
	}
}

func TestConsentLinkLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "parent", RoleParent)
	seedAccount(t, s, "child", RoleStudent)
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	link := ConsentLink{ID: "link-1", ParentID: "parent", ChildID: "child", ChildName: "Kid", Grade: 5, CreatedAt: now}
	if err := s.CreateConsentLink(ctx, link); err != nil {
		t.Fatalf("create link: %v", err)
	}
	link.ID = "link-2"
	if err := s.CreateConsentLink(ctx, link); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate pair, got %v", err)
	}

	pending, err := s.ListPendingForChild(ctx, "child")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ParentName != "name-parent" {
		t.Fatalf("unexpected pending links: %+v", pending)
	}

	if err := s.ApproveConsentLink(ctx, "link-1", "parent", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("approval by non-child must not match, got %v", err)
	}
	if err := s.ApproveConsentLink(ctx, "link-1", "child", now); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.ApproveConsentLink(ctx, "link-1", "child", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second approval must fail, got %v", err)
	}
	ok, err := s.HasApprovedLink(ctx, "parent", "child")
	if err != nil || !ok {
		t.Fatalf("expected approved link, ok=%v err=%v", ok, err)
	}
	if err := s.DeletePendingConsentLink(ctx, "link-1", "child"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("approved link must not be declinable, got %v", err)
	}
}

func TestRetentionDeletesAndAnonymizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", RoleStudent)
	now := time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	for _, age := range []int{91, 89} {
		if _, err := s.InsertInteraction(ctx, Interaction{
			AccountID: "acc-1", Subject: "math", UserMessage: "q", AIResponse: "a",
			InputMode: "text", OutputMode: "text", CreatedAt: now.Add(-time.Duration(age) * day),
		}); err != nil {
			t.Fatalf("insert interaction: %v", err)
		}
	}
	accountID := "acc-1"
	old, err := s.CreateTicket(ctx, SupportTicket{AccountID: &accountID, UserName: "Ivan", UserEmail: "i@example.com", Problem: "help", Status: TicketResolved, CreatedAt: now.Add(-181 * day)})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	open, err := s.CreateTicket(ctx, SupportTicket{UserName: "Ivan", UserEmail: "i@example.com", Problem: "help", CreatedAt: now.Add(-181 * day)})
	if err != nil {
		t.Fatalf("create open ticket: %v", err)
	}
	for _, escalated := range []bool{false, true} {
		if _, err := s.AddSupportMessage(ctx, SupportMessage{TicketID: open.ID, Role: "user", Content: "x", Escalated: escalated, CreatedAt: now.Add(-100 * day)}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	cutoff := now.Add(-90 * day)
	n, err := s.DeleteInteractionsBefore(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("expected one interaction deleted, n=%d err=%v", n, err)
	}
	n, err = s.DeleteSupportMessagesBefore(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("expected one support message deleted, n=%d err=%v", n, err)
	}
	n, err = s.AnonymizeTicketsBefore(ctx, now.Add(-180*day), now)
	if err != nil || n != 1 {
		t.Fatalf("expected one ticket anonymized, n=%d err=%v", n, err)
	}
	n, err = s.AnonymizeTicketsBefore(ctx, now.Add(-180*day), now)
	if err != nil || n != 0 {
		t.Fatalf("re-run must anonymize nothing, n=%d err=%v", n, err)
	}

	got, err := s.GetTicket(ctx, old.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.UserName != AnonymizedMarker || got.Problem != AnonymizedProblemText || got.Conversation != "{}" || got.AccountID != nil {
		t.Fatalf("ticket not anonymized: %+v", got)
	}
	remaining, err := s.InteractionsSince(ctx, "acc-1", time.Time{})
	if err != nil || len(remaining) != 1 {
		t.Fatalf("expected the 89-day interaction to remain, got %d err=%v", len(remaining), err)
	}
}

func TestDeleteAccountCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "parent", RoleParent)
	seedAccount(t, s, "child", RoleStudent)
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	if _, err := s.CommitUsage(ctx, UsageRecord{RequestID: "r1", AccountID: "child", InputTokens: 1, OutputTokens: 1, Subject: "math", Model: "m", CreatedAt: now}, 2026, 3, 50000); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.CreateConsentLink(ctx, ConsentLink{ID: "l1", ParentID: "parent", ChildID: "child", ChildName: "Kid", Grade: 3, CreatedAt: now}); err != nil {
		t.Fatalf("create link: %v", err)
	}
	childID := "child"
	tk, err := s.CreateTicket(ctx, SupportTicket{AccountID: &childID, UserName: "Kid", UserEmail: "k@example.com", Problem: "p", CreatedAt: now})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	if err := s.DeleteAccount(ctx, "child", now); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := s.GetAccount(ctx, "child"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("account must be gone, got %v", err)
	}
	if _, err := s.GetLedger(ctx, "child", 2026, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ledger must be gone, got %v", err)
	}
	links, err := s.ListLinksForParent(ctx, "parent")
	if err != nil || len(links) != 0 {
		t.Fatalf("links must be gone, got %d err=%v", len(links), err)
	}
	got, err := s.GetTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("ticket must survive: %v", err)
	}
	if got.UserName != DeletedAccountMarker || got.AccountID != nil {
		t.Fatalf("ticket not detached: %+v", got)
	}
	if err := s.DeleteAccount(ctx, "child", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
}

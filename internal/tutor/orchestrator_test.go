package tutor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"repetitor/internal/apperr"
	"repetitor/internal/providers"
	"repetitor/internal/quota"
	"repetitor/internal/storage"
)

const friendlyAnswer = "Отлично, давай разберём: что нам известно? Запиши x + 2 = 5 и подумай, что делать дальше."

type fakeProvider struct {
	mu     sync.Mutex
	calls  []providers.ChatRequest
	text   string
	in     int64
	out    int64
	err    error
	onCall func()
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return providers.ChatResponse{}, f.err
	}
	return providers.ChatResponse{Text: f.text, InputTokens: f.in, OutputTokens: f.out}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store    *storage.Store
	quota    *quota.Accountant
	provider *fakeProvider
	orch     *Orchestrator
}

func newFixture(t *testing.T, plan string) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "tutor.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.UpsertAccount(ctx, storage.Account{ID: "student", Role: storage.RoleStudent, Plan: plan, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 5, 14, 16, 0, 0, 0, time.UTC) }
	acc := quota.NewAccountant(s, quota.Options{Logger: zerolog.Nop(), Now: clock, MaxRetries: 1, BackoffBase: time.Millisecond})
	p := &fakeProvider{text: friendlyAnswer, in: 120, out: 80}
	o := New(Config{Store: s, Quota: acc, Provider: p, Model: "test-model", Logger: zerolog.Nop(), Now: clock})
	return &fixture{store: s, quota: acc, provider: p, orch: o}
}

func (f *fixture) used(t *testing.T) int64 {
	t.Helper()
	st, err := f.quota.Check(context.Background(), "student")
	if err != nil {
		t.Fatalf("check quota: %v", err)
	}
	return st.Used
}

func TestChatHappyPathCommitsAndLogs(t *testing.T) {
	f := newFixture(t, "FREE")
	ctx := context.Background()

	reply, err := f.orch.Chat(ctx, Request{AccountID: "student", Message: "  реши x + 2 = 5  ", Subject: "math", Grade: 6})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.Text != friendlyAnswer || reply.NeedsReview {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Usage.TotalTokens != 200 || reply.Usage.Remaining != 49_800 {
		t.Fatalf("unexpected usage %+v", reply.Usage)
	}
	if f.used(t) != 200 {
		t.Fatalf("ledger not incremented")
	}

	sys := f.provider.calls[0].SystemInstruction
	if !strings.Contains(sys, "Математика") || !strings.Contains(sys, "средняя школа") {
		t.Fatalf("system instruction misses subject or grade band: %s", sys)
	}

	if _, err := f.orch.Chat(ctx, Request{AccountID: "student", Message: "а дальше?", Subject: "math", Grade: 6}); err != nil {
		t.Fatalf("chat#2: %v", err)
	}
	turns := f.provider.calls[1].Turns
	if len(turns) != 3 {
		t.Fatalf("expected history pair plus new message, got %d turns", len(turns))
	}
	if turns[0].Role != providers.RoleUser || turns[0].Content != "реши x + 2 = 5" || turns[1].Role != providers.RoleAssistant || turns[2].Content != "а дальше?" {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

func TestChatValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, "FREE")
	cases := []Request{
		{AccountID: "student", Message: "   ", Subject: "math", Grade: 5},
		{AccountID: "student", Message: strings.Repeat("я", MaxMessageRunes+1), Subject: "math", Grade: 5},
		{AccountID: "student", Message: "hi", Subject: "astrology", Grade: 5},
		{AccountID: "student", Message: "hi", Subject: "math", Grade: 12},
		{AccountID: "student", Message: "hi", Subject: "math", Grade: 5, OutputMode: "video"},
	}
	for i, req := range cases {
		_, err := f.orch.Chat(context.Background(), req)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if f.provider.callCount() != 0 {
		t.Fatalf("provider must not be called on invalid input")
	}
}

func TestChatRejectsExhaustedQuotaBeforeProvider(t *testing.T) {
	f := newFixture(t, "FREE")
	ctx := context.Background()
	if _, err := f.quota.Commit(ctx, quota.Usage{RequestID: "seed", AccountID: "student", InputTokens: 50_000, Subject: "math", Model: "m"}); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	_, err := f.orch.Chat(ctx, Request{AccountID: "student", Message: "привет", Subject: "math", Grade: 3})
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if exceeded.PercentUsed != 100 || exceeded.Limit != 50_000 {
		t.Fatalf("unexpected payload %+v", exceeded)
	}
	if f.provider.callCount() != 0 {
		t.Fatalf("provider must not be called when quota is exhausted")
	}
}

func TestChatProviderFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, "FREE")
	f.provider.err = errors.New("upstream 503: secret detail")

	_, err := f.orch.Chat(context.Background(), Request{AccountID: "student", Message: "привет", Subject: "english", Grade: 10})
	if apperr.KindOf(err) != apperr.KindProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if f.used(t) != 0 {
		t.Fatalf("no usage may be recorded when the provider failed")
	}
}

func TestChatCommitsAfterCallerCancels(t *testing.T) {
	f := newFixture(t, "FREE")
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.onCall = cancel

	_, _ = f.orch.Chat(ctx, Request{AccountID: "student", Message: "привет", Subject: "biology", Grade: 8})
	if got := f.used(t); got != 200 {
		t.Fatalf("usage must be committed after cancellation, got %d", got)
	}
}

type failingLog struct {
	*storage.Store
}

func (failingLog) InsertInteraction(context.Context, storage.Interaction) (string, error) {
	return "", errors.New("disk full")
}

func TestChatInteractionLogIsBestEffort(t *testing.T) {
	f := newFixture(t, "FREE")
	o := New(Config{Store: failingLog{f.store}, Quota: f.quota, Provider: f.provider, Model: "m", Logger: zerolog.Nop()})

	reply, err := o.Chat(context.Background(), Request{AccountID: "student", Message: "привет", Subject: "history", Grade: 9})
	if err != nil {
		t.Fatalf("log failure must not fail the turn: %v", err)
	}
	if reply.Usage.TotalTokens != 200 || f.used(t) != 200 {
		t.Fatalf("usage must still be committed")
	}
}

type failingCommit struct {
	*quota.Accountant
}

func (failingCommit) Commit(context.Context, quota.Usage) (int64, error) {
	return 0, apperr.New(apperr.KindPersistenceConflict, storage.ErrConflict)
}

func TestChatCommitFailureSurfacesAndSkipsLog(t *testing.T) {
	f := newFixture(t, "FREE")
	o := New(Config{Store: f.store, Quota: failingCommit{f.quota}, Provider: f.provider, Model: "m", Logger: zerolog.Nop()})

	reply, err := o.Chat(context.Background(), Request{AccountID: "student", Message: "привет", Subject: "physics", Grade: 9})
	if apperr.KindOf(err) != apperr.KindPersistenceConflict {
		t.Fatalf("expected persistence conflict, got %v", err)
	}
	if reply.Text != "" {
		t.Fatalf("no reply may be returned when usage was not recorded, got %q", reply.Text)
	}
	if f.provider.callCount() != 1 {
		t.Fatalf("provider must have been called once, got %d", f.provider.callCount())
	}
	logged, err := f.store.InteractionsSince(context.Background(), "student", time.Time{})
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(logged) != 0 {
		t.Fatalf("interaction must not be logged after a failed commit, got %d", len(logged))
	}
}

func TestBuildSystemInstructionBands(t *testing.T) {
	subj, _ := LookupSubject("french")
	young := BuildSystemInstruction(subj, 2, OutputVoice)
	if !strings.Contains(young, "начальная школа") || !strings.Contains(young, genericSubjectBlock) || !strings.Contains(young, "разговорный") {
		t.Fatalf("unexpected instruction: %s", young)
	}
	old := BuildSystemInstruction(subj, 10, OutputText)
	if !strings.Contains(old, "старшая школа") || !strings.Contains(old, "структурированный") {
		t.Fatalf("unexpected instruction: %s", old)
	}
}

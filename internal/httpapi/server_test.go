package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repetitor/internal/auth"
	"repetitor/internal/consent"
	"repetitor/internal/providers"
	"repetitor/internal/queue"
	"repetitor/internal/quota"
	"repetitor/internal/storage"
	"repetitor/internal/support"
	"repetitor/internal/tutor"
)

const tutorAnswer = "Хороший вопрос! Что нам известно? Запиши x + 2 = 5 и подумай, какое действие вернёт x."

var testNow = time.Date(2026, 5, 14, 16, 0, 0, 0, time.UTC)

type stubProvider struct {
	calls int
}

func (p *stubProvider) Chat(context.Context, providers.ChatRequest) (providers.ChatResponse, error) {
	p.calls++
	return providers.ChatResponse{Text: tutorAnswer, InputTokens: 100, OutputTokens: 50}, nil
}

type env struct {
	store    *storage.Store
	redis    *miniredis.Miniredis
	provider *stubProvider
	handler  http.Handler
}

func newEnv(t *testing.T, ratePerHour int64) *env {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "api.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := func() time.Time { return testNow }
	for _, a := range []storage.Account{
		{ID: "student", Role: storage.RoleStudent, Plan: quota.PlanFree, Name: "Маша", Email: "masha@example.com", CreatedAt: testNow},
		{ID: "parent", Role: storage.RoleParent, Plan: quota.PlanFree, Name: "Ольга", Email: "olga@example.com", CreatedAt: testNow},
	} {
		require.NoError(t, st.UpsertAccount(ctx, a))
	}
	require.NoError(t, mr.Set("tutor:session:student-token", "student"))
	require.NoError(t, mr.Set("tutor:session:parent-token", "parent"))

	acc := quota.NewAccountant(st, quota.Options{Logger: zerolog.Nop(), Now: clock, MaxRetries: 1, BackoffBase: time.Millisecond})
	p := &stubProvider{}
	srv := NewServer(Config{
		Tutor:       tutor.New(tutor.Config{Store: st, Quota: acc, Provider: p, Model: "test-model", Logger: zerolog.Nop(), Now: clock}),
		Quota:       acc,
		Consent:     consent.NewManager(consent.Config{Store: st, Logger: zerolog.Nop(), Now: clock}),
		Support:     support.NewService(st, nil, zerolog.Nop(), clock),
		Accounts:    st,
		Sessions:    auth.NewSessionResolver(rdb, ""),
		RateLimiter: queue.NewRateLimiter(rdb, ratePerHour),
		Dedupe:      queue.NewRequestDeduplicator(rdb, time.Hour),
		Logger:      zerolog.Nop(),
		Now:         clock,
	})
	return &env{store: st, redis: mr, provider: p, handler: srv.Handler()}
}

func (e *env) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func chatBody() map[string]any {
	return map[string]any{"message": "Как решить x + 2 = 5?", "subject": "math", "grade": 7}
}

func TestChatHappyPath(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(t, http.MethodPost, "/chat", "student-token", chatBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reply tutor.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, tutorAnswer, reply.Text)
	assert.EqualValues(t, 150, reply.Usage.TotalTokens)

	rec = e.do(t, http.MethodGet, "/quota", "student-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st quota.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.EqualValues(t, 150, st.Used)
	assert.EqualValues(t, 50_000, st.Limit)

	rec = e.do(t, http.MethodGet, "/history/math", "student-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)["history"].([]any)
	assert.Len(t, history, 1)
}

func TestRequiresSession(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(t, http.MethodPost, "/chat", "", chatBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/quota", "unknown-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["code"])

	rec = e.do(t, http.MethodGet, "/subjects", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatValidationNamesField(t *testing.T) {
	e := newEnv(t, 0)

	body := chatBody()
	delete(body, "grade")
	rec := e.do(t, http.MethodPost, "/chat", "student-token", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "grade", decodeBody(t, rec)["field"])

	body = chatBody()
	body["subject"] = "astrology"
	rec = e.do(t, http.MethodPost, "/chat", "student-token", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "subject", decodeBody(t, rec)["field"])
	assert.Zero(t, e.provider.calls)

	body = chatBody()
	body["message"] = strings.Repeat("а", tutor.MaxMessageRunes+1)
	rec = e.do(t, http.MethodPost, "/chat", "student-token", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message", decodeBody(t, rec)["field"])

	body = chatBody()
	body["message"] = "   \n"
	rec = e.do(t, http.MethodPost, "/chat", "student-token", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message", decodeBody(t, rec)["field"])
	assert.Zero(t, e.provider.calls)

	// The limit applies to the trimmed text.
	body = chatBody()
	body["message"] = "  " + strings.Repeat("а", tutor.MaxMessageRunes) + "  "
	rec = e.do(t, http.MethodPost, "/chat", "student-token", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, e.provider.calls)
}

func TestChatQuotaExceeded(t *testing.T) {
	e := newEnv(t, 0)

	_, err := e.store.CommitUsage(context.Background(), storage.UsageRecord{
		RequestID: "seed", AccountID: "student", InputTokens: 50_000, Subject: "math", Model: "m", CreatedAt: testNow,
	}, testNow.Year(), int(testNow.Month()), 50_000)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/chat", "student-token", chatBody())
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["quotaExceeded"])
	assert.EqualValues(t, 100, body["percentUsed"])
	assert.Zero(t, e.provider.calls)
}

func TestChatRateLimited(t *testing.T) {
	e := newEnv(t, 1)

	rec := e.do(t, http.MethodPost, "/chat", "student-token", chatBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/chat", "student-token", chatBody())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["rateLimited"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, e.provider.calls)
}

func TestChatIdempotencyReplay(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(t, http.MethodPost, "/chat", "student-token", chatBody(), idempotencyHeader, "req-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/chat", "student-token", chatBody(), idempotencyHeader, "req-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, e.provider.calls)

	// A rejected request leaves its key free for a retry.
	bad := chatBody()
	bad["subject"] = "astrology"
	rec = e.do(t, http.MethodPost, "/chat", "student-token", bad, idempotencyHeader, "req-2")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPost, "/chat", "student-token", chatBody(), idempotencyHeader, "req-2")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestParentSeesActivityOnlyAfterConsent(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(t, http.MethodPost, "/chat", "student-token", chatBody())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/link-child", "parent-token", map[string]any{"childUserId": "student", "name": "Маша", "grade": 7})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/activity/student", "parent-token", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/pending-consents", "student-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["pendingRequests"], 1)

	// Only the child may answer.
	rec = e.do(t, http.MethodPost, "/consent/student", "parent-token", map[string]any{"consent": "approve"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/consent/student", "student-token", map[string]any{"consent": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/activity/student", "parent-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var act consent.Activity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &act))
	assert.Equal(t, 1, act.Stats.TotalInteractions)
	assert.Equal(t, []string{"math"}, act.Stats.Subjects)

	rec = e.do(t, http.MethodGet, "/privacy-status", "student-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Len(t, status["monitoringStatus"], 1)
}

func TestSupportTicketFlow(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(t, http.MethodPost, "/support/tickets", "student-token", map[string]any{"problem": "Не открывается история"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	rec = e.do(t, http.MethodPost, "/support/tickets/"+id+"/messages", "parent-token", map[string]any{"content": "чужой тикет"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/support/tickets/"+id+"/status", "student-token", map[string]any{"status": "CLOSED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/support/tickets/"+id+"/messages", "student-token", map[string]any{"content": "ещё вопрос"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteAccountRevokesSession(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(t, http.MethodPost, "/chat", "student-token", chatBody())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/account/export", "student-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Len(t, decodeBody(t, rec)["aiInteractions"], 1)

	rec = e.do(t, http.MethodDelete, "/account", "student-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, e.redis.Exists("tutor:session:student-token"))

	rec = e.do(t, http.MethodGet, "/quota", "student-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

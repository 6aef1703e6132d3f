package tutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"repetitor/internal/apperr"
	"repetitor/internal/classifier"
	"repetitor/internal/metrics"
	"repetitor/internal/providers"
	"repetitor/internal/quota"
	"repetitor/internal/storage"
)

const (
	MaxMessageRunes = 2000
	MaxGrade        = 11
	historyTurns    = 10

	InputText  = "text"
	InputVoice = "voice"
)

type Stage string

const (
	StageReceived       Stage = "RECEIVED"
	StageQuotaChecked   Stage = "QUOTA_CHECKED"
	StageProviderCalled Stage = "PROVIDER_CALLED"
	StageClassified     Stage = "CLASSIFIED"
	StageCommitted      Stage = "COMMITTED"
	StageLogged         Stage = "LOGGED"
)

type InteractionStore interface {
	RecentInteractions(ctx context.Context, accountID, subject string, limit int) ([]storage.Interaction, error)
	InsertInteraction(ctx context.Context, in storage.Interaction) (string, error)
}

type Accountant interface {
	Check(ctx context.Context, accountID string) (quota.Status, error)
	Authorize(ctx context.Context, accountID string) (quota.Status, error)
	Commit(ctx context.Context, u quota.Usage) (int64, error)
}

type Config struct {
	Store         InteractionStore
	Quota         Accountant
	Provider      providers.Provider
	Model         string
	MaxTokens     int
	CommitTimeout time.Duration
	DevMode       bool
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Orchestrator struct {
	store         InteractionStore
	quota         Accountant
	provider      providers.Provider
	model         string
	maxTokens     int
	commitTimeout time.Duration
	devMode       bool
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 15 * time.Second
	}
	return &Orchestrator{
		store:         cfg.Store,
		quota:         cfg.Quota,
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		commitTimeout: cfg.CommitTimeout,
		devMode:       cfg.DevMode,
		logger:        cfg.Logger.With().Str("component", "tutor").Logger(),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
}

type Request struct {
	AccountID  string
	Message    string
	Subject    string
	Grade      int
	InputMode  string
	OutputMode string
}

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
	Remaining    int64 `json:"remaining"`
	PercentUsed  int   `json:"percentUsed"`
}

type Reply struct {
	Text        string   `json:"text"`
	Confidence  float64  `json:"confidence"`
	NeedsReview bool     `json:"needsReview"`
	Issues      []string `json:"issues,omitempty"`
	Usage       Usage    `json:"usage"`
}

func validate(req Request) (Request, Subject, error) {
	req.Message = strings.TrimSpace(req.Message)
	n := utf8.RuneCountInString(req.Message)
	if n == 0 {
		return req, Subject{}, apperr.Validation("message", "message is empty")
	}
	if n > MaxMessageRunes {
		return req, Subject{}, apperr.Validation("message", "message is too long")
	}
	subj, ok := LookupSubject(req.Subject)
	if !ok {
		return req, Subject{}, apperr.Validation("subject", "unknown subject")
	}
	if req.Grade < 0 || req.Grade > MaxGrade {
		return req, Subject{}, apperr.Validation("grade", "grade out of range")
	}
	req.OutputMode = strings.ToLower(strings.TrimSpace(req.OutputMode))
	switch req.OutputMode {
	case "":
		req.OutputMode = OutputText
	case OutputVoice, OutputText, OutputBoth:
	default:
		return req, Subject{}, apperr.Validation("outputMode", "unsupported output mode")
	}
	req.InputMode = strings.ToLower(strings.TrimSpace(req.InputMode))
	switch req.InputMode {
	case "":
		req.InputMode = InputText
	case InputText, InputVoice:
	default:
		return req, Subject{}, apperr.Validation("inputMode", "unsupported input mode")
	}
	return req, subj, nil
}

// Chat runs one tutoring turn. Nothing is written before the provider call.
// Once the provider has answered, usage is committed on a context detached
// from the caller so a disconnect cannot skip it; the interaction log that
// follows is best effort.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Reply, error) {
	stage := StageReceived
	req, subj, err := validate(req)
	if err != nil {
		o.metrics.ChatRequests.WithLabelValues("invalid").Inc()
		return Reply{}, err
	}
	log := o.logger.With().Str("account_id", req.AccountID).Str("subject", subj.Code).Logger()

	pre, err := o.quota.Authorize(ctx, req.AccountID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			o.metrics.ChatRequests.WithLabelValues("quota_exceeded").Inc()
		} else {
			o.metrics.ChatRequests.WithLabelValues("error").Inc()
		}
		return Reply{}, err
	}
	stage = StageQuotaChecked

	turns, err := o.history(ctx, req.AccountID, subj.Code)
	if err != nil {
		o.metrics.ChatRequests.WithLabelValues("error").Inc()
		return Reply{}, fmt.Errorf("load history: %w", err)
	}
	turns = append(turns, providers.Turn{Role: providers.RoleUser, Content: req.Message})

	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Model:             o.model,
		SystemInstruction: BuildSystemInstruction(subj, req.Grade, req.OutputMode),
		Turns:             turns,
		MaxTokens:         o.maxTokens,
	})
	if err != nil {
		o.metrics.ChatRequests.WithLabelValues("provider_error").Inc()
		if o.devMode {
			log.Error().Err(err).Str("stage", string(stage)).Msg("provider call failed")
		} else {
			log.Error().Str("stage", string(stage)).Msg("provider call failed")
		}
		return Reply{}, apperr.New(apperr.KindProviderUnavailable, err)
	}
	stage = StageProviderCalled

	verdict := classifier.Classify(req.Message, resp.Text, subj.Code)
	stage = StageClassified

	// Tokens are spent from here on; the caller's cancellation must not
	// prevent recording them.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.commitTimeout)
	defer cancel()

	total, err := o.quota.Commit(bg, quota.Usage{
		RequestID:    uuid.NewString(),
		AccountID:    req.AccountID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Subject:      subj.Code,
		Model:        o.model,
	})
	if err != nil {
		o.metrics.ChatRequests.WithLabelValues("commit_failed").Inc()
		log.Error().Err(err).
			Str("stage", string(stage)).
			Int64("input_tokens", resp.InputTokens).
			Int64("output_tokens", resp.OutputTokens).
			Msg("usage commit failed after provider call")
		return Reply{}, err
	}
	stage = StageCommitted

	if _, err := o.store.InsertInteraction(bg, storage.Interaction{
		AccountID:   req.AccountID,
		Subject:     subj.Code,
		Grade:       req.Grade,
		UserMessage: req.Message,
		AIResponse:  resp.Text,
		Confidence:  verdict.Confidence,
		NeedsReview: verdict.NeedsReview,
		InputMode:   req.InputMode,
		OutputMode:  req.OutputMode,
		CreatedAt:   o.now(),
	}); err != nil {
		log.Warn().Err(err).Str("stage", string(stage)).Msg("interaction log failed")
	} else {
		stage = StageLogged
	}

	usage := Usage{
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  total,
	}
	if post, err := o.quota.Check(bg, req.AccountID); err == nil {
		usage.Remaining = post.Remaining
		usage.PercentUsed = post.PercentUsed
	} else {
		log.Warn().Err(err).Msg("post-commit quota read failed")
		usage.Remaining = max(pre.Remaining-total, 0)
		usage.PercentUsed = pre.PercentUsed
	}

	o.metrics.ChatRequests.WithLabelValues("ok").Inc()
	log.Debug().Str("stage", string(stage)).Float64("confidence", verdict.Confidence).Int64("total_tokens", total).Msg("chat turn done")

	return Reply{
		Text:        resp.Text,
		Confidence:  verdict.Confidence,
		NeedsReview: verdict.NeedsReview,
		Issues:      verdict.Issues,
		Usage:       usage,
	}, nil
}

// history returns the last turns for (account, subject), oldest first, each
// interaction expanded into a user and an assistant turn.
func (o *Orchestrator) history(ctx context.Context, accountID, subject string) ([]providers.Turn, error) {
	recent, err := o.store.RecentInteractions(ctx, accountID, subject, historyTurns)
	if err != nil {
		return nil, err
	}
	turns := make([]providers.Turn, 0, len(recent)*2+1)
	for i := len(recent) - 1; i >= 0; i-- {
		turns = append(turns,
			providers.Turn{Role: providers.RoleUser, Content: recent[i].UserMessage},
			providers.Turn{Role: providers.RoleAssistant, Content: recent[i].AIResponse},
		)
	}
	return turns, nil
}

// History lists the caller's own interactions for a subject, newest first.
func (o *Orchestrator) History(ctx context.Context, accountID, subject string, limit int) ([]storage.Interaction, error) {
	subj, ok := LookupSubject(subject)
	if !ok {
		return nil, apperr.Validation("subject", "unknown subject")
	}
	return o.store.RecentInteractions(ctx, accountID, subj.Code, limit)
}

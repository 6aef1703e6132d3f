package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"repetitor/internal/apperr"
	"repetitor/internal/auth"
	"repetitor/internal/tutor"
)

const idempotencyHeader = "Idempotency-Key"

var errDuplicateRequest = errors.New("idempotency key already used")

type chatRequest struct {
	// Length is checked by the orchestrator after trimming.
	Message    string `json:"message" validate:"required"`
	Subject    string `json:"subject" validate:"required"`
	Grade      *int   `json:"grade" validate:"required,min=0,max=11"`
	InputMode  string `json:"inputMode" validate:"omitempty,oneof=text voice"`
	OutputMode string `json:"outputMode" validate:"omitempty,oneof=text voice both"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req chatRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	allowed, _, resetAt, err := s.cfg.RateLimiter.Allow(r.Context(), accountID, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !allowed {
		s.writeError(w, r, &rateLimitError{resetAt: resetAt})
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && s.cfg.Dedupe != nil {
		first, err := s.cfg.Dedupe.MarkFirst(r.Context(), accountID, key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !first {
			s.writeError(w, r, apperr.New(apperr.KindConflict, errDuplicateRequest))
			return
		}
	}

	reply, err := s.cfg.Tutor.Chat(r.Context(), tutor.Request{
		AccountID:  accountID,
		Message:    req.Message,
		Subject:    req.Subject,
		Grade:      *req.Grade,
		InputMode:  req.InputMode,
		OutputMode: req.OutputMode,
	})
	if err != nil {
		// Tokens are only spent once a commit was attempted; anything earlier
		// may be retried with the same key.
		if key != "" && s.cfg.Dedupe != nil && apperr.KindOf(err) != apperr.KindPersistenceConflict {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
			if ferr := s.cfg.Dedupe.Forget(fctx, accountID, key); ferr != nil {
				s.logger.Warn().Err(ferr).Msg("failed to release idempotency key")
			}
			cancel()
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSubjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subjects": tutor.Subjects()})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Quota.Check(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.cfg.Tutor.History(r.Context(), auth.AccountID(r.Context()), chi.URLParam(r, "subject"), s.cfg.HistoryLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]interactionDTO, 0, len(items))
	for _, in := range items {
		out = append(out, toInteractionDTO(in))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

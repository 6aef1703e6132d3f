package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"repetitor/internal/apperr"
	"repetitor/internal/quota"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

type quotaExceededBody struct {
	errorBody
	QuotaExceeded bool      `json:"quotaExceeded"`
	PercentUsed   int       `json:"percentUsed"`
	Used          int64     `json:"used"`
	Limit         int64     `json:"limit"`
	ResetAt       time.Time `json:"resetAt"`
}

type rateLimitedBody struct {
	errorBody
	RateLimited bool      `json:"rateLimited"`
	ResetAt     time.Time `json:"resetAt"`
}

// rateLimitError carries the window reset for the 429 body.
type rateLimitError struct {
	resetAt time.Time
}

func (e *rateLimitError) Error() string { return "rate limit exceeded" }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and a fixed localized message. Internal
// detail only goes to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	lang := apperr.Lang(r.Header.Get("Accept-Language"))

	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		writeJSON(w, http.StatusTooManyRequests, quotaExceededBody{
			errorBody:     errorBody{Error: apperr.Message(apperr.KindQuotaExceeded, lang), Code: string(apperr.KindQuotaExceeded)},
			QuotaExceeded: true,
			PercentUsed:   exceeded.PercentUsed,
			Used:          exceeded.Used,
			Limit:         exceeded.Limit,
			ResetAt:       exceeded.ResetAt,
		})
		return
	}
	var limited *rateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", retryAfter(limited.resetAt, s.now()))
		writeJSON(w, http.StatusTooManyRequests, rateLimitedBody{
			errorBody:   errorBody{Error: apperr.Message(apperr.KindRateLimited, lang), Code: string(apperr.KindRateLimited)},
			RateLimited: true,
			ResetAt:     limited.resetAt,
		})
		return
	}

	kind := apperr.KindOf(err)
	status := apperr.Status(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("kind", string(kind)).
			Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Error: apperr.Message(kind, lang),
		Code:  string(kind),
		Field: apperr.FieldOf(err),
	})
}

func retryAfter(resetAt, now time.Time) string {
	secs := int(resetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates its tags.
func (s *Server) decode(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("body", "request body is empty")
		}
		return apperr.Validation("body", "malformed json")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Validation(verrs[0].Field(), verrs[0].Tag())
		}
		return apperr.Validation("body", err.Error())
	}
	return nil
}

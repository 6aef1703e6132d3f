package apperr

import (
	"errors"
	"net/http"
	"strings"
)

type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindRateLimited         Kind = "rate_limited"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindPersistenceConflict Kind = "persistence_conflict"
	KindInternal            Kind = "internal_error"
)

// Error carries a taxonomy kind plus the internal cause. Only the kind and
// the optional field ever reach a client.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

func Validation(field, reason string) error {
	return &Error{Kind: KindValidation, Field: field, Err: errors.New(reason)}
}

func Forbidden(reason string) error {
	return &Error{Kind: KindForbidden, Err: errors.New(reason)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

func Status(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindPersistenceConflict:
		return http.StatusConflict
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[string]map[Kind]string{
	"ru": {
		KindValidation:          "Проверьте введённые данные.",
		KindUnauthorized:        "Требуется авторизация.",
		KindForbidden:           "Доступ запрещён.",
		KindNotFound:            "Не найдено.",
		KindConflict:            "Запрос уже обработан или конфликтует с существующими данными.",
		KindQuotaExceeded:       "Лимит токенов на этот месяц исчерпан.",
		KindRateLimited:         "Слишком много запросов. Попробуйте позже.",
		KindProviderUnavailable: "Сервис временно недоступен. Попробуйте позже.",
		KindPersistenceConflict: "Не удалось сохранить данные. Попробуйте ещё раз.",
		KindInternal:            "Внутренняя ошибка сервера.",
	},
	"en": {
		KindValidation:          "Please check the submitted data.",
		KindUnauthorized:        "Authentication required.",
		KindForbidden:           "Access denied.",
		KindNotFound:            "Not found.",
		KindConflict:            "The request was already processed or conflicts with existing data.",
		KindQuotaExceeded:       "Monthly token limit reached.",
		KindRateLimited:         "Too many requests. Please try again later.",
		KindProviderUnavailable: "The service is temporarily unavailable. Please try again later.",
		KindPersistenceConflict: "Could not save data. Please try again.",
		KindInternal:            "Internal server error.",
	},
}

// Message returns the fixed user-facing text for a kind. Unknown languages
// fall back to Russian, the product's primary locale.
func Message(kind Kind, lang string) string {
	table, ok := messages[strings.ToLower(strings.TrimSpace(lang))]
	if !ok {
		table = messages["ru"]
	}
	if msg, ok := table[kind]; ok {
		return msg
	}
	return table[KindInternal]
}

// Lang picks "en" or "ru" from an Accept-Language header value.
func Lang(acceptLanguage string) string {
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		switch {
		case strings.HasPrefix(tag, "en"):
			return "en"
		case strings.HasPrefix(tag, "ru"):
			return "ru"
		}
	}
	return "ru"
}

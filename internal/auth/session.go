// Package auth resolves bearer tokens to account ids. Sessions are written
// by the login service; this package only reads them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

var ErrNoSession = errors.New("no session")

type SessionResolver struct {
	redis  *redis.Client
	prefix string
}

func NewSessionResolver(rdb *redis.Client, prefix string) *SessionResolver {
	if prefix == "" {
		prefix = "tutor:session:"
	}
	return &SessionResolver{redis: rdb, prefix: prefix}
}

// Resolve returns the account id stored for token.
func (r *SessionResolver) Resolve(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoSession
	}
	id, err := r.redis.Get(ctx, r.prefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoSession
		}
		return "", fmt.Errorf("lookup session: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// Revoke drops a session, e.g. after the account is deleted.
func (r *SessionResolver) Revoke(ctx context.Context, token string) error {
	if err := r.redis.Del(ctx, r.prefix+strings.TrimSpace(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type ctxKey struct{}

func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

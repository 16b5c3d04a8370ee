// Package auth resolves API callers from bearer tokens and stores CLI
// credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/ananta888/ananta/internal/models"
)

// ErrUnauthorized is returned for a missing or unknown bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Token binds a bearer token to a caller identity.
type Token struct {
	Token   string
	Subject string
	Role    string
	Admin   bool
}

// Authenticator maps bearer tokens to callers. With no tokens configured
// every request acts as the local node.
type Authenticator struct {
	tokens []Token
	local  models.Caller
}

// NewAuthenticator creates an authenticator. Tokens with an empty value
// are ignored.
func NewAuthenticator(tokens []Token, local models.Caller) *Authenticator {
	a := &Authenticator{local: local}
	for _, t := range tokens {
		if strings.TrimSpace(t.Token) == "" {
			continue
		}
		a.tokens = append(a.tokens, t)
	}
	return a
}

// Open reports whether no tokens are configured.
func (a *Authenticator) Open() bool {
	return len(a.tokens) == 0
}

// Resolve returns the caller for r.
func (a *Authenticator) Resolve(r *http.Request) (models.Caller, error) {
	if a.Open() {
		return a.local, nil
	}
	token := BearerToken(r)
	if token == "" {
		return models.Caller{}, ErrUnauthorized
	}
	return a.Lookup(token)
}

// Lookup returns the caller bound to token.
func (a *Authenticator) Lookup(token string) (models.Caller, error) {
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return models.Caller{Subject: t.Subject, Role: t.Role, Admin: t.Admin}, nil
		}
	}
	return models.Caller{}, ErrUnauthorized
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type callerKey struct{}

// WithCaller stores caller on ctx.
func WithCaller(ctx context.Context, caller models.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored on ctx.
func CallerFrom(ctx context.Context) (models.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(models.Caller)
	return c, ok
}

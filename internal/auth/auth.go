// Package auth resolves the principal behind an API request and issues the
// bearer tokens agents present to each other.
package auth

import (
	"context"
	"crypto/subtle"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"net"
	"net/http"
	"slices"
	"strings"
)

// Principal is an authenticated caller.
type Principal struct {
	Name  string
	Roots []string // content roots the principal may distribute
}

// CanAccess reports whether path lies under one of the principal's roots.
func (p *Principal) CanAccess(path string) bool {
	return slices.ContainsFunc(p.Roots, func(root string) bool {
		return distribution.IsUnder(path, root)
	})
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached to ctx, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// User is a configured API user.
type User struct {
	Name     string
	Password string
	Roots    []string // empty: every path
}

// Authenticator checks Basic credentials against configured users and
// Bearer tokens against a Tokens verifier.
type Authenticator struct {
	users  map[string]User
	tokens *Tokens
}

// NewAuthenticator creates an authenticator. tokens may be nil to reject
// bearer tokens.
func NewAuthenticator(users []User, tokens *Tokens) *Authenticator {
	a := &Authenticator{users: make(map[string]User, len(users)), tokens: tokens}
	for _, u := range users {
		if len(u.Roots) == 0 {
			u.Roots = []string{"/"}
		}
		a.users[u.Name] = u
	}
	return a
}

// Authenticate returns the principal for r. A request without credentials
// yields (nil, nil); invalid credentials are unauthorized errors.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}

	if name, password, ok := r.BasicAuth(); ok {
		u, found := a.users[name]
		if !found || subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
			return nil, apperrors.Unauthorized("invalid username or password")
		}
		return &Principal{Name: u.Name, Roots: u.Roots}, nil
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, apperrors.Unauthorized("malformed Authorization header")
	}
	if a.tokens == nil {
		return nil, apperrors.Unauthorized("bearer tokens are not accepted")
	}
	claims, err := a.tokens.Verify(token, audienceOf(r.Host))
	if err != nil {
		return nil, err
	}
	u, found := a.users[claims.Subject]
	if !found {
		return nil, apperrors.Unauthorized("unknown token subject " + claims.Subject)
	}
	return &Principal{Name: u.Name, Roots: u.Roots}, nil
}

// audienceOf strips the port from an HTTP Host value.
func audienceOf(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

package transport

import (
	"context"
	"distribution/internal/auth"
	"distribution/internal/distribution"
	"fmt"
	"log/slog"
	"net/http"
)

// Secret is the credential material presented to one endpoint. It never
// prints its values.
type Secret struct {
	Username string
	Password string
	Token    string
}

// Apply sets the Authorization header of r. Tokens win over passwords.
func (s Secret) Apply(r *http.Request) {
	switch {
	case s.Token != "":
		r.Header.Set("Authorization", "Bearer "+s.Token)
	case s.Username != "":
		r.SetBasicAuth(s.Username, s.Password)
	}
}

// Empty reports whether the secret carries no credentials.
func (s Secret) Empty() bool {
	return s.Token == "" && s.Username == ""
}

func (s Secret) String() string {
	switch {
	case s.Token != "":
		return "bearer:[REDACTED]"
	case s.Username != "":
		return fmt.Sprintf("basic:%s:[REDACTED]", s.Username)
	default:
		return "none"
	}
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// SecretProvider resolves the secret for an endpoint.
type SecretProvider interface {
	Secret(ctx context.Context, endpoint distribution.Endpoint) (Secret, error)
}

// UserCredentials presents the same username and password to every
// endpoint.
type UserCredentials struct {
	Username string
	Password string
}

func (c UserCredentials) Secret(context.Context, distribution.Endpoint) (Secret, error) {
	return Secret{Username: c.Username, Password: c.Password}, nil
}

// JWTSecretProvider issues a short-lived bearer token per call whose
// audience is the endpoint host name.
type JWTSecretProvider struct {
	tokens  *auth.Tokens
	subject string
}

// NewJWTSecretProvider creates a provider signing tokens for subject.
func NewJWTSecretProvider(tokens *auth.Tokens, subject string) *JWTSecretProvider {
	return &JWTSecretProvider{tokens: tokens, subject: subject}
}

func (p *JWTSecretProvider) Secret(_ context.Context, endpoint distribution.Endpoint) (Secret, error) {
	token, err := p.tokens.Issue(p.subject, endpoint.Hostname())
	if err != nil {
		return Secret{}, err
	}
	return Secret{Token: token}, nil
}

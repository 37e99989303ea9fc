package gateway

import (
	"crypto/subtle"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
)

type authEntry struct {
	token []byte
	name  string
}

// TokenAuth checks gateway tokens with constant-time comparison. With no
// tokens configured every caller is accepted as "anonymous".
type TokenAuth struct {
	entries []authEntry
}

// NewTokenAuth builds an authenticator from the configured tokens. Entries
// with an empty token are skipped.
func NewTokenAuth(tokens []config.TokenConfig) *TokenAuth {
	a := &TokenAuth{}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{token: []byte(t.Token), name: t.Name})
	}
	return a
}

// Open reports whether no tokens are configured.
func (a *TokenAuth) Open() bool { return len(a.entries) == 0 }

// Tokens returns the raw token values.
func (a *TokenAuth) Tokens() []string {
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = string(e.token)
	}
	return out
}

// Authenticate returns the client name bound to token.
func (a *TokenAuth) Authenticate(token string) (string, error) {
	if a.Open() {
		return "anonymous", nil
	}
	got := []byte(token)
	name, ok := "", false
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(got, e.token) == 1 {
			name, ok = e.name, true
		}
	}
	if !ok || token == "" {
		return "", domain.NewDomainError("TokenAuth.Authenticate", domain.ErrAuthInvalid, "")
	}
	return name, nil
}

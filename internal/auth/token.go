package auth

import (
	"time"

	"github.com/ocidist/ocidist/internal/scope"
)

// safetyMargin is subtracted from a token's computed expiry so that a
// request started just before expiry doesn't race the registry's clock.
const safetyMargin = 30 * time.Second

const defaultExpiresIn = 60 * time.Second

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// value returns whichever of token/access_token is populated; either
// satisfies the header.
func (t tokenResponse) value() (string, bool) {
	if t.Token != "" {
		return t.Token, true
	}
	if t.AccessToken != "" {
		return t.AccessToken, true
	}
	return "", false
}

func (t tokenResponse) expiresAt(now time.Time) time.Time {
	issued := now
	if t.IssuedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, t.IssuedAt); err == nil {
			issued = parsed
		}
	}
	ttl := defaultExpiresIn
	if t.ExpiresIn > 0 {
		ttl = time.Duration(t.ExpiresIn) * time.Second
	}
	return issued.Add(ttl).Add(-safetyMargin)
}

// cachedToken is a token entry keyed by (host, normalized scope set).
type cachedToken struct {
	value     string
	expiresAt time.Time
	scopes    []scope.Scope
}

func (c cachedToken) validAt(t time.Time) bool {
	return t.Before(c.expiresAt)
}

// Package auth drives the anonymous → Basic → Bearer upgrade dance:
// token caching keyed by scope, scope accumulation across requests, and
// single-flight coalescing of concurrent token refreshes.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocidist/ocidist/internal/scope"
	"github.com/ocidist/ocidist/internal/transport"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// maxChallengeDepth bounds the 403-triggers-wider-scope-refetch loop so
// a misbehaving registry can't spin the client forever.
const maxChallengeDepth = 3

// Engine is the pluggable auth layer that sits in front of the transport.
type Engine struct {
	transport *transport.Transport
	creds     Credentials

	mu    sync.Mutex
	cache map[string]cachedToken
	group singleflight.Group
}

// NewEngine builds an Engine. A nil creds is treated as None{}.
func NewEngine(t *transport.Transport, creds Credentials) *Engine {
	if creds == nil {
		creds = None{}
	}
	return &Engine{transport: t, creds: creds, cache: make(map[string]cachedToken)}
}

func cacheKey(host string, scopes []scope.Scope) string {
	return host + "\x00" + scope.Query(scopes)
}

func (e *Engine) lookup(host string, scopes []scope.Scope) (cachedToken, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tok, ok := e.cache[cacheKey(host, scopes)]
	if !ok || !tok.validAt(time.Now()) {
		return cachedToken{}, false
	}
	return tok, true
}

func (e *Engine) store(host string, tok cachedToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[cacheKey(host, tok.scopes)] = tok
}

// attemptFunc issues one HTTP attempt with the given Authorization header
// value (empty for anonymous).
type attemptFunc func(authorization string) (*transport.Response, error)

// Do issues an authenticated request for the given scopes, driving the
// full challenge/token/retry state machine.
func (e *Engine) Do(ctx context.Context, scopes []scope.Scope, method, rawURL string, headers http.Header, bf transport.BodyFactory, size int64) (*transport.Response, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return nil, err
	}

	attempt := func(authorization string) (*transport.Response, error) {
		h := cloneHeader(headers)
		if authorization != "" {
			h.Set("Authorization", authorization)
		}
		return e.transport.Do(ctx, method, rawURL, h, bf, size)
	}

	var initialAuth string
	if tok, ok := e.lookup(host, scopes); ok {
		initialAuth = "Bearer " + tok.value
	} else if user, pass, ok := e.creds.Basic(host); ok {
		initialAuth = "Basic " + basicEncode(user, pass)
	}

	resp, err := attempt(initialAuth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	challengeHeader := resp.Header.Get("WWW-Authenticate")
	if challengeHeader == "" {
		return resp, nil
	}
	_ = resp.Body.Close()

	return e.handleChallenge(ctx, host, scopes, challengeHeader, attempt, 0)
}

func (e *Engine) handleChallenge(ctx context.Context, host string, scopes []scope.Scope, challengeHeader string, attempt attemptFunc, depth int) (*transport.Response, error) {
	if depth >= maxChallengeDepth {
		return nil, ocierrors.Auth("exceeded auth challenge retry limit")
	}

	ch, err := ParseChallenge(challengeHeader)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(ch.Scheme, "Bearer") {
		user, pass, ok := e.creds.Basic(host)
		if !ok {
			return nil, ocierrors.Auth("registry requires credentials and none are configured").WithSentinel(ocierrors.ErrNoCredentials)
		}
		return attempt("Basic " + basicEncode(user, pass))
	}

	wanted := scope.Union(scopes, ch.Scope)
	tok, err := e.fetchToken(ctx, host, ch, wanted)
	if err != nil {
		return nil, err
	}
	e.store(host, cachedToken{value: tok.value, expiresAt: tok.expiresAt, scopes: wanted})

	resp, err := attempt("Bearer " + tok.value)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		if next := resp.Header.Get("WWW-Authenticate"); next != "" && next != challengeHeader {
			_ = resp.Body.Close()
			return e.handleChallenge(ctx, host, wanted, next, attempt, depth+1)
		}
	}
	return resp, nil
}

type tokenResult struct {
	value     string
	expiresAt time.Time
}

// fetchToken requests a token from the challenge's realm, coalescing
// concurrent requests for the same (host, scope-set) key through a
// single flight.
func (e *Engine) fetchToken(ctx context.Context, host string, ch Challenge, scopes []scope.Scope) (tokenResult, error) {
	key := cacheKey(host, scopes)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.doFetchToken(ctx, host, ch, scopes)
	})
	if err != nil {
		return tokenResult{}, err
	}
	return v.(tokenResult), nil
}

func (e *Engine) doFetchToken(ctx context.Context, host string, ch Challenge, scopes []scope.Scope) (tokenResult, error) {
	values := url.Values{}
	if len(scopes) > 0 {
		values.Set("scope", scope.Query(scopes))
	}
	if ch.Service != "" {
		values.Set("service", ch.Service)
	}

	tokenURL := ch.Realm
	if strings.Contains(tokenURL, "?") {
		tokenURL += "&" + values.Encode()
	} else {
		tokenURL += "?" + values.Encode()
	}

	headers := http.Header{}
	if user, pass, ok := e.creds.Basic(host); ok {
		headers.Set("Authorization", "Basic "+basicEncode(user, pass))
	}

	resp, err := e.transport.Do(ctx, http.MethodGet, tokenURL, headers, nil, -1)
	if err != nil {
		return tokenResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResult{}, ocierrors.HTTP("token endpoint "+tokenURL+" returned an error status", resp.StatusCode, nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tokenResult{}, ocierrors.Auth("decode token response: " + err.Error())
	}
	val, ok := tr.value()
	if !ok {
		return tokenResult{}, ocierrors.Auth("token response has neither token nor access_token")
	}
	return tokenResult{value: val, expiresAt: tr.expiresAt(time.Now())}, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ocierrors.Parse("parse URL " + rawURL + ": " + err.Error())
	}
	return u.Host, nil
}

func basicEncode(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

// Package distribution implements the OCI Distribution protocol client:
// blob and manifest HTTP exchanges against any conformant registry, with
// content-addressed verification on every fetch.
package distribution

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ocidist/ocidist/internal/auth"
	"github.com/ocidist/ocidist/internal/scope"
	"github.com/ocidist/ocidist/internal/transport"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// Registry is a connection to one registry host, shared across every
// Repository obtained from it. It exclusively owns its configuration for
// its lifetime; every Repository shares a single underlying HTTP
// transport.
type Registry struct {
	transport *transport.Transport
	auth      *auth.Engine
	scheme    string
	host      string
}

// NewRegistry builds a Registry against host (the API host; callers
// resolve docker.io → registry-1.docker.io via ociref.APIRegistry before
// calling this). insecure selects http:// and relaxes TLS verification.
func NewRegistry(host string, insecure bool, creds auth.Credentials) *Registry {
	scheme := "https"
	if insecure {
		scheme = "http"
	}
	t := transport.New(insecure)
	return &Registry{transport: t, auth: auth.NewEngine(t, creds), scheme: scheme, host: host}
}

func (r *Registry) baseURL() string { return r.scheme + "://" + r.host }

// Repository returns a handle scoped to name ("namespace/repository"),
// implementing contentstore.Store.
func (r *Registry) Repository(name string) *Repository {
	return &Repository{registry: r, name: name}
}

func catalogScope() []scope.Scope {
	return []scope.Scope{{Resource: "registry", Name: "catalog", Actions: []string{"*"}}}
}

// ListRepos paginates GET /v2/_catalog via the Link header.
func (r *Registry) ListRepos(ctx context.Context) ([]string, error) {
	var all []string
	next := r.baseURL() + "/v2/_catalog"
	for next != "" {
		resp, err := r.auth.Do(ctx, catalogScope(), http.MethodGet, next, nil, nil, -1)
		if err != nil {
			return nil, err
		}
		body, err := readBody(resp, http.StatusOK)
		if err != nil {
			return nil, err
		}
		var page struct {
			Repositories []string `json:"repositories"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, ocierrors.Parse("decode catalog response: " + err.Error())
		}
		all = append(all, page.Repositories...)
		next = nextPage(resp.Header, next)
	}
	return all, nil
}

// readBody closes resp.Body, returning the OCI error envelope as an error
// when the status doesn't match want.
func readBody(resp *transport.Response, want int) ([]byte, error) {
	defer resp.Body.Close()
	body, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, httpError(resp.StatusCode, body)
	}
	return body, nil
}

func readAll(resp *transport.Response) ([]byte, error) {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocierrors.IO("read response body", err)
	}
	return b, nil
}

func httpError(status int, body []byte) error {
	var envelope struct {
		Errors []ocierrors.ServerError `json:"errors"`
	}
	_ = json.Unmarshal(body, &envelope)
	if status == http.StatusNotFound {
		return ocierrors.HTTP("resource not found", status, envelope.Errors).WithSentinel(ocierrors.ErrNotFound)
	}
	return ocierrors.HTTP("registry returned an error response", status, envelope.Errors)
}

// nextPage resolves the Link: <url>; rel="next" header against base,
// returning "" when there is no next page.
func nextPage(h http.Header, base string) string {
	link := h.Get("Link")
	if link == "" {
		return ""
	}
	open := strings.IndexByte(link, '<')
	close := strings.IndexByte(link, '>')
	if open != 0 || close < 0 || !strings.Contains(link, `rel="next"`) {
		return ""
	}
	raw := link[open+1 : close]

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return raw
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(u).String()
}

// Package transport implements the single shared HTTP client: redirect
// handling with cross-origin Authorization stripping, an insecure/TLS-skip
// mode, and streaming request/response bodies that are never buffered
// whole.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/ocidist/ocidist/pkg/ocierrors"
)

const maxRedirects = 10

// BodyFactory produces a fresh request body. It is called once to open the
// initial request and again whenever net/http needs to replay the request
// body across a redirect, so that retry or redirect can reopen it.
type BodyFactory func() (io.ReadCloser, error)

// Response is the lazily-read result of a Transport.Do call. The caller
// must close Body on every exit path.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport is the single HTTP client shared across a Registry's requests.
type Transport struct {
	client   *http.Client
	insecure bool
}

// New builds a Transport. insecure switches to http:// callers are expected
// to choose the scheme; here it only relaxes TLS verification for hosts
// that do end up being dialed over https (self-signed internal registries).
func New(insecure bool) *Transport {
	rt := &http.Transport{}
	if insecure {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	t := &Transport{insecure: insecure}
	t.client = &http.Client{
		Transport:     rt,
		CheckRedirect: t.checkRedirect,
	}
	return t
}

// checkRedirect strips Authorization whenever the redirect target is not
// same-origin (scheme, host, port, treating 80/443 as implicit), and caps
// the redirect chain. Same-origin redirects keep every header untouched.
func (t *Transport) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after too many redirects")
	}
	prev := via[len(via)-1]
	if !sameOrigin(prev.URL, req.URL) {
		req.Header.Del("Authorization")
	}
	return nil
}

// sameOrigin compares scheme, host, and port, treating the scheme's
// default port as equivalent to an explicit one.
func sameOrigin(a, b *url.URL) bool {
	if a.Scheme != b.Scheme {
		return false
	}
	return normalizedHost(a) == normalizedHost(b)
}

func normalizedHost(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return host + ":" + port
}

// Do issues an HTTP request. bf may be nil for bodyless requests (GET,
// HEAD, DELETE). size is the body length if known, or -1 for chunked
// transfer encoding. headers are cloned onto the request; the caller
// retains ownership of the map passed in.
func (t *Transport) Do(ctx context.Context, method, rawURL string, headers http.Header, bf BodyFactory, size int64) (*Response, error) {
	var body io.ReadCloser
	if bf != nil {
		b, err := bf()
		if err != nil {
			return nil, ocierrors.IO("open request body", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return nil, ocierrors.Parse("build request for " + rawURL + ": " + err.Error())
	}
	if bf != nil {
		req.GetBody = func() (io.ReadCloser, error) { return bf() }
	}
	if size >= 0 {
		req.ContentLength = size
	}
	for k, vv := range headers {
		req.Header[k] = append([]string(nil), vv...)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, ocierrors.Network("request to "+rawURL+" failed", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

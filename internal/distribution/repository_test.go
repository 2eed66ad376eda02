package distribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/auth"
	"github.com/ocidist/ocidist/internal/transport"
)

func newTestRegistry(t *testing.T, handler http.Handler) (*Registry, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	tr := transport.New(false)
	return &Registry{transport: tr, auth: auth.NewEngine(tr, auth.None{}), scheme: u.Scheme, host: u.Host}, srv
}

// TestExistsBlobFoundAndMissing exercises the HEAD-based existence probe.
func TestExistsBlobFoundAndMissing(t *testing.T) {
	content := []byte("hello")
	d := digest.FromBytes(content)

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, d.String()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	repo := reg.Repository("lib/x")

	ok, err := repo.ExistsBlob(context.Background(), d)
	if err != nil || !ok {
		t.Fatalf("ExistsBlob = %v, %v; want true, nil", ok, err)
	}

	missing := digest.FromBytes([]byte("other"))
	ok, err = repo.ExistsBlob(context.Background(), missing)
	if err != nil || ok {
		t.Fatalf("ExistsBlob(missing) = %v, %v; want false, nil", ok, err)
	}
}

// TestFetchBlobVerifiesDigest covers S2: uploading "hello" and fetching it
// back must reproduce the bytes and the known digest.
func TestFetchBlobVerifiesDigest(t *testing.T) {
	content := []byte("hello")
	d := digest.FromBytes(content)
	if d.String() != "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("test fixture digest mismatch: %s", d)
	}

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", d.String())
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	rc, err := reg.Repository("x").FetchBlob(context.Background(), d)
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	rc.Close()
	if !bytes.Equal(got, content) {
		t.Errorf("blob content = %q, want %q", got, content)
	}
}

// TestFetchBlobRejectsDigestMismatch covers a server lying about content.
func TestFetchBlobRejectsDigestMismatch(t *testing.T) {
	d := digest.FromBytes([]byte("hello"))

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("goodbye"))
	}))
	defer srv.Close()

	rc, err := reg.Repository("x").FetchBlob(context.Background(), d)
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); err == nil {
		t.Error("expected digest mismatch error reading a tampered blob")
	}
}

// TestPushBlobMonolithicSkipsExisting drives PushBlob through the
// POST-then-PUT exchange, and checks a second push of the same digest
// skips the transfer after the HEAD reports it already present.
func TestPushBlobMonolithicSkipsExisting(t *testing.T) {
	content := []byte("hello")
	d := digest.FromBytes(content)

	var mu sync.Mutex
	present := false
	var putCount int

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodHead:
			if present {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "/v2/x/blobs/uploads/session1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			putCount++
			if r.URL.Query().Get("digest") != d.String() {
				t.Errorf("PUT digest query = %s, want %s", r.URL.Query().Get("digest"), d.String())
			}
			body, _ := io.ReadAll(r.Body)
			if !bytes.Equal(body, content) {
				t.Errorf("PUT body = %q, want %q", body, content)
			}
			present = true
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	repo := reg.Repository("x")
	bf := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(content)), nil }

	if err := repo.PushBlob(context.Background(), d, int64(len(content)), bf); err != nil {
		t.Fatalf("first PushBlob: %v", err)
	}
	if err := repo.PushBlob(context.Background(), d, int64(len(content)), bf); err != nil {
		t.Fatalf("second PushBlob: %v", err)
	}
	if putCount != 1 {
		t.Errorf("PUT issued %d times, want 1 (second push should skip via HEAD)", putCount)
	}
}

// TestPushBlobChunked drives the PATCH-based upload and checks the
// reassembled body and final digest= PUT.
func TestPushBlobChunked(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 3) // 24 bytes: a single PATCH at the 8MiB chunk size
	d := digest.FromBytes(content)

	var mu sync.Mutex
	var reassembled bytes.Buffer
	var patchCount int
	sessionPath := "/v2/x/blobs/uploads/session1"

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			w.Header().Set("Location", sessionPath)
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPatch:
			patchCount++
			body, _ := io.ReadAll(r.Body)
			reassembled.Write(body)
			w.Header().Set("Location", sessionPath)
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			if r.URL.Query().Get("digest") != d.String() {
				t.Errorf("final PUT digest = %s, want %s", r.URL.Query().Get("digest"), d.String())
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	repo := reg.Repository("x")
	bf := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(content)), nil }

	if err := repo.pushBlobChunked(context.Background(), d, bf); err != nil {
		t.Fatalf("pushBlobChunked: %v", err)
	}
	if !bytes.Equal(reassembled.Bytes(), content) {
		t.Errorf("reassembled body = %q, want %q", reassembled.Bytes(), content)
	}
	if patchCount == 0 {
		t.Error("expected at least one PATCH")
	}
}

// TestGetManifestVerifiesDigest covers a tag-addressed fetch whose header
// digest must agree with the computed one.
func TestGetManifestVerifiesDigest(t *testing.T) {
	body := []byte(`{"schemaVersion":2}`)
	d := digest.FromBytes(body)

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", d.String())
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	gotBody, desc, err := reg.Repository("x").GetManifest(context.Background(), "latest")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body = %q, want %q", gotBody, body)
	}
	if desc.Digest != d {
		t.Errorf("digest = %s, want %s", desc.Digest, d)
	}
}

// TestGetReferrersFallsBackToTagSchema covers the 404-on-referrers-API path.
func TestGetReferrersFallsBackToTagSchema(t *testing.T) {
	subject := digest.FromBytes([]byte("subject-manifest"))
	fallbackTag := strings.ReplaceAll(subject.String(), ":", "-")

	idx := ocispec.Index{
		Versioned: ocispecVersioned(),
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageManifest, Digest: digest.FromBytes([]byte("referrer-1"))},
		},
	}
	idxBody, _ := jsonMarshal(idx)

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/referrers/"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, fallbackTag):
			w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
			w.WriteHeader(http.StatusOK)
			w.Write(idxBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	got, err := reg.Repository("x").GetReferrers(context.Background(), subject, "")
	if err != nil {
		t.Fatalf("GetReferrers: %v", err)
	}
	if len(got.Manifests) != 1 {
		t.Fatalf("got %d manifests, want 1", len(got.Manifests))
	}
}

// TestGetReferrersEmptyFallback covers a registry with neither the
// referrers API nor a fallback tag.
func TestGetReferrersEmptyFallback(t *testing.T) {
	subject := digest.FromBytes([]byte("subject"))

	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got, err := reg.Repository("x").GetReferrers(context.Background(), subject, "")
	if err != nil {
		t.Fatalf("GetReferrers: %v", err)
	}
	if len(got.Manifests) != 0 {
		t.Errorf("got %d manifests, want 0", len(got.Manifests))
	}
}

// TestListTagsPaginates drives a two-page tag listing via the Link header.
func TestListTagsPaginates(t *testing.T) {
	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("last") == "" {
			w.Header().Set("Link", fmt.Sprintf(`</v2/x/tags/list?last=b>; rel="next"`))
			fmt.Fprint(w, `{"name":"x","tags":["a","b"]}`)
			return
		}
		fmt.Fprint(w, `{"name":"x","tags":["c"]}`)
	}))
	defer srv.Close()

	tags, err := reg.Repository("x").ListTags(context.Background())
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if strings.Join(tags, ",") != "a,b,c" {
		t.Errorf("tags = %v, want [a b c]", tags)
	}
}

// TestListReposPaginates mirrors TestListTagsPaginates for the catalog.
func TestListReposPaginates(t *testing.T) {
	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("last") == "" {
			w.Header().Set("Link", `</v2/_catalog?last=foo>; rel="next"`)
			fmt.Fprint(w, `{"repositories":["a","b"]}`)
			return
		}
		fmt.Fprint(w, `{"repositories":["c"]}`)
	}))
	defer srv.Close()

	repos, err := reg.ListRepos(context.Background())
	if err != nil {
		t.Fatalf("ListRepos: %v", err)
	}
	if strings.Join(repos, ",") != "a,b,c" {
		t.Errorf("repos = %v, want [a b c]", repos)
	}
}

// TestProbeDescriptorSizeFromContentLength checks the Content-Length
// fallback for size.
func TestProbeDescriptorSizeFromContentLength(t *testing.T) {
	d := digest.FromBytes([]byte(`{}`))
	reg, srv := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", d.String())
		w.Header().Set("Content-Length", strconv.Itoa(2))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc, err := reg.Repository("x").ProbeDescriptor(context.Background(), "latest")
	if err != nil {
		t.Fatalf("ProbeDescriptor: %v", err)
	}
	if desc.Size != 2 || desc.Digest != d {
		t.Errorf("desc = %+v, want size=2 digest=%s", desc, d)
	}
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

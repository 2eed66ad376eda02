package distribution

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/internal/scope"
	"github.com/ocidist/ocidist/internal/transport"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// chunkThreshold is the size above which PushBlob switches from a single
// monolithic PUT to a PATCH-chunked upload.
const chunkThreshold = 32 << 20 // 32MiB

// chunkSize is the size of each PATCH segment in a chunked upload.
const chunkSize = 8 << 20 // 8MiB

// Repository is a single named repository within a Registry, implementing
// contentstore.Store.
type Repository struct {
	registry *Registry
	name     string
}

func (repo *Repository) pullScope() []scope.Scope {
	return []scope.Scope{{Resource: "repository", Name: repo.name, Actions: []string{"pull"}}}
}

func (repo *Repository) pushScope() []scope.Scope {
	return []scope.Scope{{Resource: "repository", Name: repo.name, Actions: []string{"pull", "push"}}}
}

func (repo *Repository) blobsPath(d digest.Digest) string {
	return "/v2/" + repo.name + "/blobs/" + d.String()
}

func (repo *Repository) uploadsPath() string {
	return "/v2/" + repo.name + "/blobs/uploads/"
}

func (repo *Repository) manifestsPath(reference string) string {
	return "/v2/" + repo.name + "/manifests/" + reference
}

func (repo *Repository) tagsPath() string {
	return "/v2/" + repo.name + "/tags/list"
}

func (repo *Repository) referrersPath(d digest.Digest) string {
	return "/v2/" + repo.name + "/referrers/" + d.String()
}

func (repo *Repository) do(ctx context.Context, scopes []scope.Scope, method, rawURL string, headers http.Header, bf transport.BodyFactory, size int64) (*transport.Response, error) {
	return repo.registry.auth.Do(ctx, scopes, method, rawURL, headers, bf, size)
}

// ExistsBlob issues a HEAD against the blob path.
func (repo *Repository) ExistsBlob(ctx context.Context, d digest.Digest) (bool, error) {
	resp, err := repo.do(ctx, repo.pullScope(), http.MethodHead, repo.registry.baseURL()+repo.blobsPath(d), nil, nil, -1)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, httpError(resp.StatusCode, body)
	}
}

// FetchBlob streams the blob, verifying every byte against d as it is read.
func (repo *Repository) FetchBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	resp, err := repo.do(ctx, repo.pullScope(), http.MethodGet, repo.registry.baseURL()+repo.blobsPath(d), nil, nil, -1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, httpError(resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, httpError(resp.StatusCode, body)
	}
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		if headerDigest, err := digestset.Parse(hdr); err == nil && headerDigest != d {
			resp.Body.Close()
			return nil, ocierrors.DigestMismatch("Docker-Content-Digest header " + headerDigest.String() + " disagrees with requested " + d.String())
		}
	}
	return newVerifyingReadCloser(resp.Body, d), nil
}

// PushBlob uploads the blob, skipping the transfer entirely if the target
// already has it and choosing monolithic vs chunked by size.
func (repo *Repository) PushBlob(ctx context.Context, d digest.Digest, size int64, bf transport.BodyFactory) error {
	exists, err := repo.ExistsBlob(ctx, d)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if size >= 0 && size <= chunkThreshold {
		return repo.pushBlobMonolithic(ctx, d, size, bf)
	}
	return repo.pushBlobChunked(ctx, d, bf)
}

func (repo *Repository) startUpload(ctx context.Context) (string, error) {
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodPost, repo.registry.baseURL()+repo.uploadsPath(), nil, nil, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", httpError(resp.StatusCode, body)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", ocierrors.HTTP("upload session response missing Location", resp.StatusCode, nil)
	}
	return repo.resolveLocation(loc, repo.registry.baseURL()+repo.uploadsPath()), nil
}

// resolveLocation resolves a Location header against base: a path is
// resolved against base's origin, an absolute URL is used verbatim
// (possibly cross-host).
func (repo *Repository) resolveLocation(loc, base string) string {
	u, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	if u.IsAbs() {
		return loc
	}
	b, err := url.Parse(base)
	if err != nil {
		return loc
	}
	return b.ResolveReference(u).String()
}

func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}

func (repo *Repository) pushBlobMonolithic(ctx context.Context, d digest.Digest, size int64, bf transport.BodyFactory) error {
	sessionURL, err := repo.startUpload(ctx)
	if err != nil {
		return err
	}
	target := appendQuery(sessionURL, "digest", d.String())
	headers := http.Header{"Content-Type": []string{"application/octet-stream"}}
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodPut, target, headers, bf, size)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, body)
	}
	return nil
}

func (repo *Repository) pushBlobChunked(ctx context.Context, d digest.Digest, bf transport.BodyFactory) error {
	sessionURL, err := repo.startUpload(ctx)
	if err != nil {
		return err
	}

	body, err := bf()
	if err != nil {
		return ocierrors.IO("open blob body", err)
	}
	defer body.Close()

	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			headers := http.Header{
				"Content-Type":  []string{"application/octet-stream"},
				"Content-Range": []string{fmt.Sprintf("%d-%d", offset, offset+int64(n)-1)},
			}
			chunkBody := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(chunk)), nil }
			resp, err := repo.do(ctx, repo.pushScope(), http.MethodPatch, sessionURL, headers, chunkBody, int64(n))
			if err != nil {
				return err
			}
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return httpError(resp.StatusCode, respBody)
			}
			if loc := resp.Header.Get("Location"); loc != "" {
				sessionURL = repo.resolveLocation(loc, sessionURL)
			}
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return ocierrors.IO("read blob body", readErr)
		}
	}

	target := appendQuery(sessionURL, "digest", d.String())
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodPut, target, nil, nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, respBody)
	}
	return nil
}

// MountBlob attempts a cross-repo mount, an optional optimization the
// caller falls back from on failure.
func (repo *Repository) MountBlob(ctx context.Context, d digest.Digest, fromRepo string) error {
	u := repo.registry.baseURL() + repo.uploadsPath() + "?mount=" + url.QueryEscape(d.String()) + "&from=" + url.QueryEscape(fromRepo)
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodPost, u, nil, nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, body)
	}
	return nil
}

// DeleteBlob removes a blob from the repository.
func (repo *Repository) DeleteBlob(ctx context.Context, d digest.Digest) error {
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodDelete, repo.registry.baseURL()+repo.blobsPath(d), nil, nil, -1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, body)
	}
	return nil
}

// PutManifest PUTs body (the serialized manifest or index) under reference.
func (repo *Repository) PutManifest(ctx context.Context, reference string, desc ocispec.Descriptor, body []byte) error {
	headers := http.Header{"Content-Type": []string{desc.MediaType}}
	bf := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodPut, repo.registry.baseURL()+repo.manifestsPath(reference), headers, bf, int64(len(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, respBody)
	}
	return nil
}

var manifestAccept = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}, ", ")

// GetManifest fetches and digest-verifies the manifest at reference.
func (repo *Repository) GetManifest(ctx context.Context, reference string) ([]byte, ocispec.Descriptor, error) {
	headers := http.Header{"Accept": []string{manifestAccept}}
	resp, err := repo.do(ctx, repo.pullScope(), http.MethodGet, repo.registry.baseURL()+repo.manifestsPath(reference), headers, nil, -1)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	body, err := readBody(resp, http.StatusOK)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}

	got, err := verifyManifestDigest(body, reference, resp.Header)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	return body, ocispec.Descriptor{
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    got,
		Size:      int64(len(body)),
	}, nil
}

// ProbeDescriptor is a HEAD-based existence+metadata probe.
func (repo *Repository) ProbeDescriptor(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	headers := http.Header{"Accept": []string{manifestAccept}}
	resp, err := repo.do(ctx, repo.pullScope(), http.MethodHead, repo.registry.baseURL()+repo.manifestsPath(reference), headers, nil, -1)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ocispec.Descriptor{}, ocierrors.New(ocierrors.KindHTTP, "manifest not found").WithSentinel(ocierrors.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return ocispec.Descriptor{}, httpError(resp.StatusCode, body)
	}

	var d digest.Digest
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		if parsed, err := digestset.Parse(hdr); err == nil {
			d = parsed
		}
	}
	if d == "" {
		if parsed, err := digestset.Parse(reference); err == nil {
			d = parsed
		}
	}

	var size int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		size, _ = strconv.ParseInt(cl, 10, 64)
	}

	return ocispec.Descriptor{
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    d,
		Size:      size,
	}, nil
}

// DeleteManifest removes a manifest.
func (repo *Repository) DeleteManifest(ctx context.Context, reference string) error {
	resp, err := repo.do(ctx, repo.pushScope(), http.MethodDelete, repo.registry.baseURL()+repo.manifestsPath(reference), nil, nil, -1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, body)
	}
	return nil
}

// ListTags paginates GET /v2/<name>/tags/list via the Link header.
func (repo *Repository) ListTags(ctx context.Context) ([]string, error) {
	var all []string
	next := repo.registry.baseURL() + repo.tagsPath()
	for next != "" {
		resp, err := repo.do(ctx, repo.pullScope(), http.MethodGet, next, nil, nil, -1)
		if err != nil {
			return nil, err
		}
		body, err := readBody(resp, http.StatusOK)
		if err != nil {
			return nil, err
		}
		var page struct {
			Tags []string `json:"tags"`
		}
		if err := jsonUnmarshal(body, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tags...)
		next = nextPage(resp.Header, next)
	}
	return all, nil
}

// GetReferrers queries the referrers API, falling back to the tag-schema
// walk on 404.
func (repo *Repository) GetReferrers(ctx context.Context, subject digest.Digest, artifactType string) (ocispec.Index, error) {
	u := repo.registry.baseURL() + repo.referrersPath(subject)
	if artifactType != "" {
		u = appendQuery(u, "artifactType", artifactType)
	}
	resp, err := repo.do(ctx, repo.pullScope(), http.MethodGet, u, nil, nil, -1)
	if err != nil {
		return ocispec.Index{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return repo.referrersTagFallback(ctx, subject, artifactType)
	}
	body, err := readBody(resp, http.StatusOK)
	if err != nil {
		return ocispec.Index{}, err
	}
	var idx ocispec.Index
	if err := jsonUnmarshal(body, &idx); err != nil {
		return ocispec.Index{}, err
	}
	return idx, nil
}

func emptyIndex() ocispec.Index {
	return ocispec.Index{
		Versioned: ocispecVersioned(),
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{},
	}
}

func (repo *Repository) referrersTagFallback(ctx context.Context, subject digest.Digest, artifactType string) (ocispec.Index, error) {
	tag := strings.ReplaceAll(subject.String(), ":", "-")
	body, _, err := repo.GetManifest(ctx, tag)
	if err != nil {
		if isNotFound(err) {
			return emptyIndex(), nil
		}
		return ocispec.Index{}, err
	}
	var idx ocispec.Index
	if err := jsonUnmarshal(body, &idx); err != nil || idx.MediaType != ocispec.MediaTypeImageIndex {
		return emptyIndex(), nil
	}
	if artifactType == "" {
		return idx, nil
	}
	filtered := idx
	filtered.Manifests = filtered.Manifests[:0]
	for _, m := range idx.Manifests {
		if m.ArtifactType == artifactType {
			filtered.Manifests = append(filtered.Manifests, m)
		}
	}
	return filtered, nil
}

package distribution

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

func ocispecVersioned() ocispec.Versioned {
	return ocispec.Versioned{SchemaVersion: 2}
}

func jsonUnmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return ocierrors.Parse("decode response body: " + err.Error())
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ocierrors.ErrNotFound)
}

// verifyingReadCloser hashes bytes as they are read and checks the result
// against expected once the underlying stream is exhausted, so a fetch
// never buffers the whole blob to verify it.
type verifyingReadCloser struct {
	rc       io.ReadCloser
	digester digest.Digester
	expected digest.Digest
}

func newVerifyingReadCloser(rc io.ReadCloser, expected digest.Digest) *verifyingReadCloser {
	return &verifyingReadCloser{rc: rc, digester: expected.Algorithm().Digester(), expected: expected}
}

func (v *verifyingReadCloser) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		_, _ = v.digester.Hash().Write(p[:n])
	}
	if err == io.EOF {
		if got := v.digester.Digest(); got != v.expected {
			return n, ocierrors.DigestMismatch("fetched blob digest " + got.String() + " != expected " + v.expected.String())
		}
	}
	return n, err
}

func (v *verifyingReadCloser) Close() error { return v.rc.Close() }

// verifyManifestDigest checks the fetched manifest body against whichever
// of (reference-as-digest, Docker-Content-Digest header) are present,
// requiring they agree with each other when both are, and returns the
// digest the caller should treat as canonical.
func verifyManifestDigest(body []byte, reference string, headers http.Header) (digest.Digest, error) {
	var expected digest.Digest
	if d, err := digestset.Parse(reference); err == nil {
		expected = d
	}
	if hdr := headers.Get("Docker-Content-Digest"); hdr != "" {
		if hd, err := digestset.Parse(hdr); err == nil {
			if expected != "" && hd != expected {
				return "", ocierrors.DigestMismatch("Docker-Content-Digest header " + hd.String() + " disagrees with requested digest " + expected.String())
			}
			expected = hd
		}
	}
	if expected == "" {
		return digestset.FromBytes(body), nil
	}
	got := expected.Algorithm().FromBytes(body)
	if got != expected {
		return "", ocierrors.DigestMismatch("manifest digest " + got.String() + " != expected " + expected.String())
	}
	return got, nil
}

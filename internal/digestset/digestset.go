// Package digestset restricts and drives github.com/opencontainers/go-digest
// to the three algorithms the OCI Distribution protocol accepts, and
// provides digest computation and comparison helpers.
package digestset

import (
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// Default is the algorithm used when a caller doesn't specify one.
const Default = digest.SHA256

// accepted is the set of algorithms this package recognizes; go-digest
// also registers sha512_256 and others we deliberately reject.
var accepted = map[digest.Algorithm]bool{
	digest.SHA256: true,
	digest.SHA384: true,
	digest.SHA512: true,
}

// Supported reports whether alg is one of sha256, sha384, sha512.
func Supported(alg digest.Algorithm) bool {
	return accepted[alg]
}

// Parse parses s as a digest, restricted to the accepted algorithm set and
// to the hex width that algorithm requires.
func Parse(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", ocierrors.Parse("parse digest " + s + ": " + err.Error())
	}
	if !Supported(d.Algorithm()) {
		return "", ocierrors.New(ocierrors.KindParse, "unsupported digest algorithm "+string(d.Algorithm())).WithSentinel(ocierrors.ErrUnsupportedAlgorithm)
	}
	if err := d.Validate(); err != nil {
		return "", ocierrors.Parse("invalid digest " + s + ": " + err.Error())
	}
	return d, nil
}

// FromBytes computes the default algorithm's digest over b.
func FromBytes(b []byte) digest.Digest {
	return Default.FromBytes(b)
}

// FromReader streams r through the default algorithm's hash without
// buffering the whole body in memory.
func FromReader(r io.Reader) (digest.Digest, error) {
	return Default.FromReader(r)
}

// FromFile streams the file at path through the default algorithm.
func FromFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ocierrors.IO("open "+path, err)
	}
	defer f.Close()
	return FromReader(f)
}

// Verifier wraps a digest.Verifier for streaming verification: wrap a
// reader, read it to completion, then call Verified.
type Verifier struct {
	digest.Verifier
}

// NewVerifier returns a Verifier for expected. Panics only if expected's
// algorithm isn't available, which Parse already guarantees can't happen
// for digests obtained through this package.
func NewVerifier(expected digest.Digest) Verifier {
	return Verifier{Verifier: expected.Verifier()}
}

// Verify checks got against want, returning a DigestMismatch error when
// they disagree either in algorithm or hex. The distribution and layout
// fetch paths do their own comparisons and do not call it.
func Verify(got, want digest.Digest) error {
	if got != want {
		return ocierrors.DigestMismatch("computed digest " + got.String() + " != expected " + want.String())
	}
	return nil
}

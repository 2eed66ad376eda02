// Package contentstore defines the capability set shared by a registry
// repository and an OCI image layout. Registry and OCILayout implement
// the same capability set; the copy engine is generic over it.
package contentstore

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/transport"
)

// Store is implemented by both internal/distribution.Repository and
// internal/layout.OCILayout. internal/artifact and internal/copyengine are
// written against this interface so they work unchanged against either.
type Store interface {
	// ExistsBlob reports whether d is already present.
	ExistsBlob(ctx context.Context, d digest.Digest) (bool, error)

	// FetchBlob streams the blob identified by d. The registry
	// implementation hashes the bytes as they are read and reports a
	// mismatch with d as an error from the Read that reaches end of stream;
	// the layout implementation returns the stored file without re-hashing
	// it (its blobs are verified when written).
	FetchBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error)

	// PushBlob uploads size bytes from bf, which hash to d. size may be
	// -1 if unknown, forcing a chunked upload where the implementation
	// supports one.
	PushBlob(ctx context.Context, d digest.Digest, size int64, bf transport.BodyFactory) error

	// PutManifest stores body (already serialized) under reference (a tag
	// or digest string), which desc.Digest must match.
	PutManifest(ctx context.Context, reference string, desc ocispec.Descriptor, body []byte) error

	// GetManifest returns the raw bytes and descriptor for reference.
	GetManifest(ctx context.Context, reference string) ([]byte, ocispec.Descriptor, error)

	// ProbeDescriptor is a cheap existence+metadata check equivalent to a
	// manifest HEAD.
	ProbeDescriptor(ctx context.Context, reference string) (ocispec.Descriptor, error)

	// GetReferrers returns the index of manifests whose subject is subject,
	// optionally filtered by artifactType (empty means unfiltered).
	GetReferrers(ctx context.Context, subject digest.Digest, artifactType string) (ocispec.Index, error)
}

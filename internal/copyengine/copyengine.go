// Package copyengine implements the generic copy operation between any
// two contentstore.Store implementations: registry to registry,
// registry to layout, or layout to layout, without ever materializing
// a whole blob in memory.
package copyengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/contentstore"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// Options configures Copy.
type Options struct {
	// Recursive, when true, copies every referrer of the source manifest
	// after the manifest itself is pushed.
	Recursive bool
	// Output, if non-nil, receives one human-readable line per blob and
	// manifest copied.
	Output io.Writer
}

func progressf(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// Copy probes srcRef on src, copies every blob it references to dst that
// dst doesn't already have, pushes the manifest/index last, and (if
// recursive) walks the source's referrers.
func Copy(ctx context.Context, src contentstore.Store, srcRef string, dst contentstore.Store, dstRef string, opts Options) (ocispec.Descriptor, error) {
	desc, err := src.ProbeDescriptor(ctx, srcRef)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	body, _, err := src.GetManifest(ctx, srcRef)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if isIndexMediaType(desc.MediaType) {
		if err := copyIndex(ctx, src, dst, body, opts); err != nil {
			return ocispec.Descriptor{}, err
		}
	} else {
		if err := copyManifest(ctx, src, dst, body, opts); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	// Push the manifest/index itself last so the target never sees a
	// manifest whose blobs aren't all present yet.
	if err := dst.PutManifest(ctx, dstRef, desc, body); err != nil {
		return ocispec.Descriptor{}, err
	}
	progressf(opts.Output, "manifest %s copied\n", desc.Digest)

	if opts.Recursive {
		if err := copyReferrers(ctx, src, dst, desc.Digest, opts); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	return desc, nil
}

func isIndexMediaType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex || mt == "application/vnd.docker.distribution.manifest.list.v2+json"
}

func copyManifest(ctx context.Context, src, dst contentstore.Store, body []byte, opts Options) error {
	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return ocierrors.Parse("decode manifest for copy: " + err.Error())
	}

	if err := copyBlob(ctx, src, dst, m.Config.Digest, m.Config.Size, opts); err != nil {
		return err
	}
	for _, layer := range m.Layers {
		if err := copyBlob(ctx, src, dst, layer.Digest, layer.Size, opts); err != nil {
			return err
		}
	}
	return nil
}

func copyIndex(ctx context.Context, src, dst contentstore.Store, body []byte, opts Options) error {
	var idx ocispec.Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return ocierrors.Parse("decode index for copy: " + err.Error())
	}

	for _, m := range idx.Manifests {
		nested, _, err := src.GetManifest(ctx, m.Digest.String())
		if err != nil {
			return err
		}
		if isIndexMediaType(m.MediaType) {
			if err := copyIndex(ctx, src, dst, nested, opts); err != nil {
				return err
			}
		} else {
			if err := copyManifest(ctx, src, dst, nested, opts); err != nil {
				return err
			}
		}
		if err := dst.PutManifest(ctx, m.Digest.String(), m, nested); err != nil {
			return err
		}
		progressf(opts.Output, "manifest %s copied\n", m.Digest)
	}
	return nil
}

// copyBlob implements the single-blob copy state machine: HEAD the
// target, skip on a hit, otherwise stream source to target.
func copyBlob(ctx context.Context, src, dst contentstore.Store, d digest.Digest, size int64, opts Options) error {
	if d == "" {
		return nil
	}
	exists, err := dst.ExistsBlob(ctx, d)
	if err != nil {
		return err
	}
	if exists {
		progressf(opts.Output, "blob %s already present, skipped\n", d)
		return nil
	}

	rc, err := src.FetchBlob(ctx, d)
	if err != nil {
		return err
	}
	// The body factory closes over the single already-open source stream;
	// a blob copy issues exactly one read pass, so the target is expected
	// to call the factory exactly once.
	opened := false
	if err := dst.PushBlob(ctx, d, size, func() (io.ReadCloser, error) {
		if opened {
			return nil, ocierrors.Invariant("blob body already consumed for " + d.String())
		}
		opened = true
		return rc, nil
	}); err != nil {
		return err
	}
	progressf(opts.Output, "blob %s copied (%d bytes)\n", d, size)
	return nil
}

func copyReferrers(ctx context.Context, src, dst contentstore.Store, subject digest.Digest, opts Options) error {
	refs, err := src.GetReferrers(ctx, subject, "")
	if err != nil {
		return err
	}
	for _, r := range refs.Manifests {
		if _, err := Copy(ctx, src, r.Digest.String(), dst, r.Digest.String(), opts); err != nil {
			return err
		}
	}
	return nil
}

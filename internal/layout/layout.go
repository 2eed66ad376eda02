// Package layout implements the OCI Image Layout on-disk format:
// oci-layout, index.json, and content-addressed blobs under
// blobs/<alg>/<hex>. OCILayout implements contentstore.Store so the
// artifact packager and copy engine work against it exactly as they do
// against a registry.
package layout

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/internal/transport"
	"github.com/ocidist/ocidist/pkg/fileutil"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

const (
	layoutVersion = "1.0.0"

	layoutFile = "oci-layout"
	indexFile  = "index.json"
	blobsDir   = "blobs"

	// AnnotationRefName is the OCI Image Layout tag annotation
	// (org.opencontainers.image.ref.name), moved between index entries by
	// indexMerge the way a mutable tag moves between manifests.
	AnnotationRefName = ocispec.AnnotationRefName
)

type imageLayoutFile struct {
	ImageLayoutVersion string `json:"imageLayoutVersion"`
}

// OCILayout is a filesystem-backed contentstore.Store rooted at a
// directory holding the standard OCI Image Layout files.
type OCILayout struct {
	root string
}

// NewLayout opens (bootstrapping if necessary) an OCI Image Layout at
// root, creating oci-layout, index.json and blobs/ if they don't exist.
func NewLayout(root string) (*OCILayout, error) {
	l := &OCILayout{root: root}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *OCILayout) init() error {
	if err := fileutil.EnsureDir(filepath.Join(l.root, blobsDir), 0o755); err != nil {
		return ocierrors.IO("create blobs dir", err)
	}

	layoutPath := filepath.Join(l.root, layoutFile)
	if _, err := os.Stat(layoutPath); os.IsNotExist(err) {
		data, err := json.MarshalIndent(imageLayoutFile{ImageLayoutVersion: layoutVersion}, "", "  ")
		if err != nil {
			return ocierrors.Parse("marshal oci-layout: " + err.Error())
		}
		if err := fileutil.AtomicWriteFile(layoutPath, data, 0o644); err != nil {
			return ocierrors.IO("write oci-layout", err)
		}
	}

	indexPath := filepath.Join(l.root, indexFile)
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		idx := ocispec.Index{Versioned: ocispecVersioned(), MediaType: ocispec.MediaTypeImageIndex, Manifests: []ocispec.Descriptor{}}
		data, err := json.MarshalIndent(idx, "", "  ")
		if err != nil {
			return ocierrors.Parse("marshal index.json: " + err.Error())
		}
		if err := fileutil.AtomicWriteFile(indexPath, data, 0o644); err != nil {
			return ocierrors.IO("write index.json", err)
		}
	}
	return nil
}

func ocispecVersioned() ocispec.Versioned { return ocispec.Versioned{SchemaVersion: 2} }

func (l *OCILayout) blobPath(d digest.Digest) string {
	return filepath.Join(l.root, blobsDir, d.Algorithm().String(), d.Encoded())
}

// ExistsBlob reports whether d is already present.
func (l *OCILayout) ExistsBlob(ctx context.Context, d digest.Digest) (bool, error) {
	_, err := os.Stat(l.blobPath(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, ocierrors.IO("stat blob", err)
}

// FetchBlob opens the blob identified by d.
func (l *OCILayout) FetchBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(l.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ocierrors.New(ocierrors.KindIO, "blob not found: "+d.String()).WithSentinel(ocierrors.ErrNotFound)
		}
		return nil, ocierrors.IO("open blob", err)
	}
	return f, nil
}

// PushBlob writes size bytes from bf under d, verifying the written bytes
// hash to d. A layout push always requires a digest in the reference.
func (l *OCILayout) PushBlob(ctx context.Context, d digest.Digest, size int64, bf transport.BodyFactory) error {
	if d == "" {
		return ocierrors.Invariant("layout PushBlob requires a digest").WithSentinel(ocierrors.ErrMissingDigest)
	}
	if ok, err := l.ExistsBlob(ctx, d); err != nil {
		return err
	} else if ok {
		rc, err := bf()
		if err != nil {
			return err
		}
		defer rc.Close()
		_, _ = io.Copy(io.Discard, rc)
		return nil
	}

	rc, err := bf()
	if err != nil {
		return err
	}
	defer rc.Close()

	path := l.blobPath(d)
	dir := filepath.Dir(path)
	if err := fileutil.EnsureDir(dir, 0o755); err != nil {
		return ocierrors.IO("create blob directory", err)
	}

	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return ocierrors.IO("create temp blob file", err)
	}

	digester := d.Algorithm().Digester()
	mw := io.MultiWriter(f, digester.Hash())
	_, copyErr := io.Copy(mw, rc)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if copyErr != nil {
			return ocierrors.IO("write blob", copyErr)
		}
		return ocierrors.IO("close blob file", closeErr)
	}

	if got := digester.Digest(); got != d {
		os.Remove(tmpPath)
		return ocierrors.DigestMismatch("pushed blob digest " + got.String() + " != expected " + d.String())
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ocierrors.IO("rename blob into place", err)
	}
	return nil
}

// PutManifest verifies body hashes to desc.Digest, writes it as a blob,
// then merges it into index.json: an existing entry with the same digest is
// kept if it equals the new descriptor and replaced by it otherwise; with
// no such entry the descriptor is appended. If reference names a tag, the
// ref-name annotation moves onto the new entry.
func (l *OCILayout) PutManifest(ctx context.Context, reference string, desc ocispec.Descriptor, body []byte) error {
	actual := digestset.FromBytes(body)
	if desc.Digest != "" && actual != desc.Digest {
		return ocierrors.DigestMismatch("manifest digest " + actual.String() + " != descriptor digest " + desc.Digest.String())
	}
	desc.Digest = actual
	desc.Size = int64(len(body))

	if err := l.PushBlob(ctx, desc.Digest, desc.Size, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}); err != nil {
		return err
	}

	idx, err := l.loadIndex()
	if err != nil {
		return err
	}

	tag := ""
	if _, err := digestset.Parse(reference); err != nil {
		tag = reference
	}
	idx.Manifests = withNewManifests(idx.Manifests, desc, tag)
	return l.saveIndex(idx)
}

// withNewManifests merges newDesc into entries following the index-merge
// rule: identical (digest, annotations) is a no-op; otherwise the ref-name
// annotation is moved off whichever older entry held it, onto newDesc,
// while every other annotation on older entries with a different digest is
// preserved. An older entry with the same digest but different fields is
// replaced by newDesc as a whole; its annotations are not carried over.
func withNewManifests(entries []ocispec.Descriptor, newDesc ocispec.Descriptor, tag string) []ocispec.Descriptor {
	if tag != "" {
		if newDesc.Annotations == nil {
			newDesc.Annotations = map[string]string{}
		}
		newDesc.Annotations[AnnotationRefName] = tag
	}

	out := make([]ocispec.Descriptor, 0, len(entries)+1)
	replaced := false
	for _, e := range entries {
		if e.Digest == newDesc.Digest {
			if descriptorsEqual(e, newDesc) {
				out = append(out, e)
			} else {
				out = append(out, newDesc)
			}
			replaced = true
			continue
		}
		if tag != "" && e.Annotations[AnnotationRefName] == tag {
			e = stripRefName(e)
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, newDesc)
	}
	return out
}

func stripRefName(d ocispec.Descriptor) ocispec.Descriptor {
	if _, ok := d.Annotations[AnnotationRefName]; !ok {
		return d
	}
	cp := map[string]string{}
	for k, v := range d.Annotations {
		if k != AnnotationRefName {
			cp[k] = v
		}
	}
	d.Annotations = cp
	return d
}

func descriptorsEqual(a, b ocispec.Descriptor) bool {
	if a.Digest != b.Digest || a.MediaType != b.MediaType || a.Size != b.Size {
		return false
	}
	if len(a.Annotations) != len(b.Annotations) {
		return false
	}
	for k, v := range a.Annotations {
		if b.Annotations[k] != v {
			return false
		}
	}
	return true
}

// GetManifest resolves reference (a digest or a ref-name tag) to its
// stored manifest bytes and descriptor.
func (l *OCILayout) GetManifest(ctx context.Context, reference string) ([]byte, ocispec.Descriptor, error) {
	desc, err := l.ProbeDescriptor(ctx, reference)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	rc, err := l.FetchBlob(ctx, desc.Digest)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, ocispec.Descriptor{}, ocierrors.IO("read manifest blob", err)
	}
	return body, desc, nil
}

// ProbeDescriptor resolves reference to its index entry without reading
// the blob body. A bare tag with no matching entry is a missing-tag error.
func (l *OCILayout) ProbeDescriptor(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	idx, err := l.loadIndex()
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if d, err := digestset.Parse(reference); err == nil {
		for _, e := range idx.Manifests {
			if e.Digest == d {
				return e, nil
			}
		}
		return ocispec.Descriptor{}, ocierrors.New(ocierrors.KindIO, "manifest not found: "+reference).WithSentinel(ocierrors.ErrNotFound)
	}

	for _, e := range idx.Manifests {
		if e.Annotations[AnnotationRefName] == reference {
			return e, nil
		}
	}
	return ocispec.Descriptor{}, ocierrors.Invariant("reference has no tag in this layout: " + reference).WithSentinel(ocierrors.ErrMissingTag)
}

// GetReferrers scans index.json for manifests whose subject digest equals
// subject, optionally filtered by artifactType.
func (l *OCILayout) GetReferrers(ctx context.Context, subject digest.Digest, artifactType string) (ocispec.Index, error) {
	idx, err := l.loadIndex()
	if err != nil {
		return ocispec.Index{}, err
	}

	out := ocispec.Index{Versioned: ocispecVersioned(), MediaType: ocispec.MediaTypeImageIndex, Manifests: []ocispec.Descriptor{}}
	for _, e := range idx.Manifests {
		body, _, err := l.GetManifest(ctx, e.Digest.String())
		if err != nil {
			continue
		}
		var m ocispec.Manifest
		if err := json.Unmarshal(body, &m); err != nil || m.Subject == nil {
			continue
		}
		if m.Subject.Digest != subject {
			continue
		}
		refDesc := e
		if refDesc.ArtifactType == "" {
			refDesc.ArtifactType = m.ArtifactType
		}
		if artifactType != "" && refDesc.ArtifactType != artifactType {
			continue
		}
		out.Manifests = append(out.Manifests, refDesc)
	}
	return out, nil
}

func (l *OCILayout) loadIndex() (*ocispec.Index, error) {
	data, err := os.ReadFile(filepath.Join(l.root, indexFile))
	if err != nil {
		return nil, ocierrors.IO("read index.json", err)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, ocierrors.Parse("parse index.json: " + err.Error())
	}
	return &idx, nil
}

func (l *OCILayout) saveIndex(idx *ocispec.Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return ocierrors.Parse("marshal index.json: " + err.Error())
	}
	if err := fileutil.AtomicWriteFile(filepath.Join(l.root, indexFile), data, 0o644); err != nil {
		return ocierrors.IO("write index.json", err)
	}
	return nil
}

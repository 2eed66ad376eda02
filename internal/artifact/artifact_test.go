package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/internal/transport"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// memStore is a minimal in-memory contentstore.Store for exercising
// Pack/Unpack/Push/Pull without a network round trip.
type memStore struct {
	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string][]byte
	descs     map[string]ocispec.Descriptor
}

func newMemStore() *memStore {
	return &memStore{
		blobs:     map[digest.Digest][]byte{},
		manifests: map[string][]byte{},
		descs:     map[string]ocispec.Descriptor{},
	}
}

func (m *memStore) ExistsBlob(ctx context.Context, d digest.Digest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[d]
	return ok, nil
}

func (m *memStore) FetchBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	m.mu.Lock()
	b, ok := m.blobs[d]
	m.mu.Unlock()
	if !ok {
		return nil, ocierrors.New(ocierrors.KindNetwork, "blob not found").WithSentinel(ocierrors.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) PushBlob(ctx context.Context, d digest.Digest, size int64, bf transport.BodyFactory) error {
	rc, err := bf()
	if err != nil {
		return err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[d] = b
	m.mu.Unlock()
	return nil
}

func (m *memStore) PutManifest(ctx context.Context, reference string, desc ocispec.Descriptor, body []byte) error {
	m.mu.Lock()
	m.manifests[reference] = body
	m.descs[reference] = desc
	m.manifests[desc.Digest.String()] = body
	m.descs[desc.Digest.String()] = desc
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetManifest(ctx context.Context, reference string) ([]byte, ocispec.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.manifests[reference]
	if !ok {
		return nil, ocispec.Descriptor{}, ocierrors.New(ocierrors.KindNetwork, "manifest not found").WithSentinel(ocierrors.ErrNotFound)
	}
	return b, m.descs[reference], nil
}

func (m *memStore) ProbeDescriptor(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descs[reference]
	if !ok {
		return ocispec.Descriptor{}, ocierrors.New(ocierrors.KindNetwork, "manifest not found").WithSentinel(ocierrors.ErrNotFound)
	}
	return d, nil
}

func (m *memStore) GetReferrers(ctx context.Context, subject digest.Digest, artifactType string) (ocispec.Index, error) {
	return ocispec.Index{Versioned: ocispecVersioned(), MediaType: ocispec.MediaTypeImageIndex}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestPackDirPullArtifactRoundTrip covers S6: packing a three-file directory
// produces one tar+gzip layer with unpack=true, and pulling it back
// recreates the files byte for byte.
func TestPackDirPullArtifactRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "file1.txt"), "foobar")
	writeFile(t, filepath.Join(src, "file2.txt"), "test1234")
	writeFile(t, filepath.Join(src, "file3.txt"), "barfoo")

	store := newMemStore()
	ctx := context.Background()

	desc, err := PushArtifact(ctx, store, "v1", []Input{{Path: src, Title: "layer"}}, PushOptions{})
	if err != nil {
		t.Fatalf("PushArtifact: %v", err)
	}
	if desc.Digest == "" {
		t.Fatalf("expected a manifest digest")
	}

	body, _, err := store.GetManifest(ctx, "v1")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(manifest.Layers) != 1 {
		t.Fatalf("expected exactly one layer, got %d", len(manifest.Layers))
	}
	layer := manifest.Layers[0]
	if layer.MediaType != MediaTypeLayerTarGzip {
		t.Fatalf("expected media type %s, got %s", MediaTypeLayerTarGzip, layer.MediaType)
	}
	if layer.Annotations[AnnotationUnpack] != "true" {
		t.Fatalf("expected unpack=true annotation, got %q", layer.Annotations[AnnotationUnpack])
	}

	dest := t.TempDir()
	if _, err := PullArtifact(ctx, store, "v1", dest, PullOptions{}); err != nil {
		t.Fatalf("PullArtifact: %v", err)
	}

	for name, want := range map[string]string{
		"file1.txt": "foobar",
		"file2.txt": "test1234",
		"file3.txt": "barfoo",
	} {
		got, err := os.ReadFile(filepath.Join(dest, "layer", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("%s: got %q, want %q", name, got, want)
		}
	}
}

// TestPackFilePullArtifactRoundTrip covers invariant 8 for a plain file
// input (no unpack step involved).
func TestPackFilePullArtifactRoundTrip(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "readme.txt")
	writeFile(t, path, "hello world")

	store := newMemStore()
	ctx := context.Background()

	if _, err := PushArtifact(ctx, store, "latest", []Input{{Path: path}}, PushOptions{}); err != nil {
		t.Fatalf("PushArtifact: %v", err)
	}

	dest := t.TempDir()
	if _, err := PullArtifact(ctx, store, "latest", dest, PullOptions{}); err != nil {
		t.Fatalf("PullArtifact: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "readme.txt"))
	if err != nil {
		t.Fatalf("read readme.txt: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

// TestPullArtifactSkipsLayersWithoutTitle covers step 3 of pullArtifact.
func TestPullArtifactSkipsLayersWithoutTitle(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	auxDigest := digestset.FromBytes([]byte("aux content"))
	if err := store.PushBlob(ctx, auxDigest, 11, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("aux content"))), nil
	}); err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	manifest := ocispec.Manifest{
		Versioned: ocispecVersioned(),
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: MediaTypeGenericConfig, Digest: EmptyConfigDigest, Size: 2},
		Layers: []ocispec.Descriptor{
			{MediaType: "application/octet-stream", Digest: auxDigest, Size: 11},
		},
	}
	if _, err := pushManifest(ctx, store, "notitle", manifest); err != nil {
		t.Fatalf("push manifest: %v", err)
	}

	dest := t.TempDir()
	if _, err := PullArtifact(ctx, store, "notitle", dest, PullOptions{}); err != nil {
		t.Fatalf("PullArtifact: %v", err)
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files written for a titleless layer, got %v", entries)
	}
}

// buildTarGzip writes a single-entry tar+gzip stream with the given entry
// name and content, without any path sanitization, so tests can exercise
// malicious tar streams directly.
func buildTarGzip(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Size: int64(len(content)), Mode: 0o644}); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("write tar content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return buf.Bytes()
}

// TestPullArtifactRejectsPathTraversalInTar covers the tar-slip guard in
// untar: a layer whose tar stream contains a "../escape.txt" entry must be
// rejected rather than writing outside destDir.
func TestPullArtifactRejectsPathTraversalInTar(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	evil := buildTarGzip(t, "../escape.txt", "pwned")
	evilDigest := digestset.FromBytes(evil)
	if err := store.PushBlob(ctx, evilDigest, int64(len(evil)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(evil)), nil
	}); err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	manifest := ocispec.Manifest{
		Versioned: ocispecVersioned(),
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: MediaTypeGenericConfig, Digest: EmptyConfigDigest, Size: 2},
		Layers: []ocispec.Descriptor{
			{
				MediaType: MediaTypeLayerTarGzip,
				Digest:    evilDigest,
				Size:      int64(len(evil)),
				Annotations: map[string]string{
					AnnotationTitle:  "layer",
					AnnotationUnpack: "true",
				},
			},
		},
	}
	if _, err := pushManifest(ctx, store, "evil", manifest); err != nil {
		t.Fatalf("push manifest: %v", err)
	}

	outer := t.TempDir()
	dest := filepath.Join(outer, "dest")
	if _, err := PullArtifact(ctx, store, "evil", dest, PullOptions{}); err == nil {
		t.Fatal("expected PullArtifact to reject a path-traversing tar entry")
	}

	if _, err := os.Stat(filepath.Join(outer, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected no file written outside dest, stat err = %v", err)
	}
}

func TestAttachArtifactSelfAddressesManifest(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f.txt"), "x")

	subjectDesc, err := PushArtifact(ctx, store, "subject", []Input{{Path: filepath.Join(src, "f.txt")}}, PushOptions{})
	if err != nil {
		t.Fatalf("PushArtifact: %v", err)
	}

	sbomDir := t.TempDir()
	writeFile(t, filepath.Join(sbomDir, "sbom.txt"), "sbom data")

	attachDesc, err := AttachArtifact(ctx, store, "subject", []Input{{Path: filepath.Join(sbomDir, "sbom.txt")}}, PushOptions{ArtifactType: "application/vnd.example.sbom"})
	if err != nil {
		t.Fatalf("AttachArtifact: %v", err)
	}

	body, gotDesc, err := store.GetManifest(ctx, attachDesc.Digest.String())
	if err != nil {
		t.Fatalf("GetManifest(attach digest): %v", err)
	}
	if gotDesc.Digest != attachDesc.Digest {
		t.Fatalf("attachment not self-addressed: stored under digest got %s, want %s", gotDesc.Digest, attachDesc.Digest)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		t.Fatalf("decode attach manifest: %v", err)
	}
	if manifest.Subject == nil || manifest.Subject.Digest != subjectDesc.Digest {
		t.Fatalf("expected subject to reference %s, got %+v", subjectDesc.Digest, manifest.Subject)
	}

	// The subject's own manifest must be untouched by the attach.
	subjectBody, _, err := store.GetManifest(ctx, "subject")
	if err != nil {
		t.Fatalf("GetManifest(subject): %v", err)
	}
	if bytes.Equal(subjectBody, body) {
		t.Fatalf("attach manifest must not overwrite the subject manifest")
	}
}

package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/contentstore"
	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// PushOptions configures PushArtifact.
type PushOptions struct {
	ArtifactType string
	Annotations  map[string]string
	// Config is the config blob content; nil pushes the empty `{}` config
	// with media type application/vnd.oci.empty.v1+json.
	Config     []byte
	ConfigType string
	// Output, if non-nil, receives one human-readable line per blob and
	// manifest pushed. Never written to from more than one goroutine.
	Output io.Writer
}

// PushArtifact packs each input into a layer, pushes every blob the
// manifest will reference, then pushes the manifest last: every blob is
// PUT-acknowledged before the manifest PUT.
func PushArtifact(ctx context.Context, store contentstore.Store, reference string, inputs []Input, opts PushOptions) (ocispec.Descriptor, error) {
	configBytes := opts.Config
	configType := opts.ConfigType
	if configBytes == nil {
		configBytes = emptyConfigBytes
		configType = ocispec.MediaTypeEmptyJSON
	}
	if configType == "" {
		configType = MediaTypeGenericConfig
	}
	configDigest := digestset.FromBytes(configBytes)
	if err := pushBytes(ctx, store, configDigest, configBytes); err != nil {
		return ocispec.Descriptor{}, err
	}
	progressf(opts.Output, "config %s pushed\n", configDigest)

	layers := make([]ocispec.Descriptor, 0, len(inputs))
	for _, in := range inputs {
		packed, err := Pack(in)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := store.PushBlob(ctx, packed.Descriptor.Digest, packed.Descriptor.Size, packed.Open); err != nil {
			return ocispec.Descriptor{}, err
		}
		progressf(opts.Output, "layer %s pushed (%d bytes)\n", packed.Descriptor.Digest, packed.Descriptor.Size)
		layers = append(layers, packed.Descriptor)
	}

	manifest := ocispec.Manifest{
		Versioned:    ocispecVersioned(),
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: opts.ArtifactType,
		Config: ocispec.Descriptor{
			MediaType: configType,
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
		Layers:      layers,
		Annotations: opts.Annotations,
	}
	desc, err := pushManifest(ctx, store, reference, manifest)
	if err == nil {
		progressf(opts.Output, "manifest %s pushed\n", desc.Digest)
	}
	return desc, err
}

// progressf writes a progress line to w if w is non-nil; PushArtifact and
// PullArtifact are used with a nil Output in most library contexts and only
// the CLI commands wire a writer (the command's stderr) through.
func progressf(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// AttachArtifact pushes a new manifest whose subject points at subjectRef's
// descriptor, making it discoverable via the referrers API.
func AttachArtifact(ctx context.Context, store contentstore.Store, subjectRef string, inputs []Input, opts PushOptions) (ocispec.Descriptor, error) {
	_, subjectDesc, err := store.GetManifest(ctx, subjectRef)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	configBytes := opts.Config
	configType := opts.ConfigType
	if configBytes == nil {
		configBytes = emptyConfigBytes
		configType = ocispec.MediaTypeEmptyJSON
	}
	if configType == "" {
		configType = MediaTypeGenericConfig
	}
	configDigest := digestset.FromBytes(configBytes)
	if err := pushBytes(ctx, store, configDigest, configBytes); err != nil {
		return ocispec.Descriptor{}, err
	}
	progressf(opts.Output, "config %s pushed\n", configDigest)

	layers := make([]ocispec.Descriptor, 0, len(inputs))
	for _, in := range inputs {
		packed, err := Pack(in)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := store.PushBlob(ctx, packed.Descriptor.Digest, packed.Descriptor.Size, packed.Open); err != nil {
			return ocispec.Descriptor{}, err
		}
		progressf(opts.Output, "layer %s pushed (%d bytes)\n", packed.Descriptor.Digest, packed.Descriptor.Size)
		layers = append(layers, packed.Descriptor)
	}

	manifest := ocispec.Manifest{
		Versioned:    ocispecVersioned(),
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: opts.ArtifactType,
		Config: ocispec.Descriptor{
			MediaType: configType,
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
		Layers:      layers,
		Subject:     &subjectDesc,
		Annotations: opts.Annotations,
	}
	// Attachments are content-addressed by their own digest; the registry
	// indexes them against manifest.Subject for the referrers API rather
	// than needing a caller-supplied tag.
	desc, err := pushManifest(ctx, store, "", manifest)
	if err == nil {
		progressf(opts.Output, "attachment %s pushed (subject %s)\n", desc.Digest, subjectDesc.Digest)
	}
	return desc, err
}

func pushBytes(ctx context.Context, store contentstore.Store, d digest.Digest, body []byte) error {
	return store.PushBlob(ctx, d, int64(len(body)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	})
}

func ocispecVersioned() ocispec.Versioned { return ocispec.Versioned{SchemaVersion: 2} }

// PullOptions configures PullArtifact.
type PullOptions struct {
	// Overwrite allows writing into a non-empty destDir.
	Overwrite bool
	// Output, if non-nil, receives one human-readable line per layer pulled.
	Output io.Writer
}

// PullArtifact fetches the manifest at reference and writes each titled
// layer into destDir, unpacking tar-family layers.
func PullArtifact(ctx context.Context, store contentstore.Store, reference, destDir string, opts PullOptions) (ocispec.Descriptor, error) {
	body, desc, err := store.GetManifest(ctx, reference)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return ocispec.Descriptor{}, ocierrors.Parse("decode manifest: " + err.Error())
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ocispec.Descriptor{}, ocierrors.IO("create "+destDir, err)
	}
	if !opts.Overwrite {
		entries, err := os.ReadDir(destDir)
		if err != nil {
			return ocispec.Descriptor{}, ocierrors.IO("read "+destDir, err)
		}
		if len(entries) > 0 {
			return ocispec.Descriptor{}, ocierrors.Invariant("destination " + destDir + " is not empty")
		}
	}

	for _, layer := range manifest.Layers {
		title, ok := layer.Annotations[AnnotationTitle]
		if !ok {
			continue // layers without a title are auxiliary and are skipped
		}
		if err := pullLayer(ctx, store, layer, destDir, title); err != nil {
			return ocispec.Descriptor{}, err
		}
		progressf(opts.Output, "%s pulled\n", title)
	}
	return desc, nil
}

func pullLayer(ctx context.Context, store contentstore.Store, layer ocispec.Descriptor, destDir, title string) error {
	rc, err := store.FetchBlob(ctx, layer.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	dest := filepath.Join(destDir, title)

	if layer.Annotations[AnnotationUnpack] != "true" {
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return ocierrors.IO("create "+dest, err)
		}
		defer f.Close()
		if _, err := io.Copy(f, rc); err != nil {
			return ocierrors.IO("write "+dest, err)
		}
		return nil
	}

	decompressed, closer, contentHash, err := decompress(rc, layer.MediaType)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	if err := untarVerified(decompressed, dest, contentHash, layer.Annotations[AnnotationContentHash]); err != nil {
		return err
	}
	return nil
}

// decompress returns a reader over the uncompressed tar stream for
// mediaType, an optional closer for the decoder's own resources, and a
// digester fed every byte read from the tar stream (used to verify the
// content-hash annotation once the extraction completes).
func decompress(r io.Reader, mediaType string) (io.Reader, io.Closer, *digestVerifier, error) {
	var raw io.Reader
	var closer io.Closer
	switch mediaType {
	case MediaTypeLayerTarGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, nil, ocierrors.IO("open gzip stream", err)
		}
		raw = gr
		closer = gr
	case MediaTypeLayerTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, nil, ocierrors.IO("open zstd stream", err)
		}
		zrc := zr.IOReadCloser()
		raw = zrc
		closer = zrc
	case MediaTypeLayerTar:
		raw = r
	default:
		return nil, nil, nil, ocierrors.Invariant("unsupported unpack media type " + mediaType)
	}
	dv := newDigestVerifier()
	return io.TeeReader(raw, dv), closer, dv, nil
}

// digestVerifier hashes the uncompressed tar stream as it passes through,
// so untarVerified never buffers the content whole to check the
// content-hash annotation.
type digestVerifier struct {
	digester digest.Digester
}

func newDigestVerifier() *digestVerifier {
	return &digestVerifier{digester: digestset.Default.Digester()}
}

func (d *digestVerifier) Write(p []byte) (int, error) { return d.digester.Hash().Write(p) }

func untarVerified(r io.Reader, destDir string, dv *digestVerifier, wantDigest string) error {
	if err := untar(r, destDir); err != nil {
		return err
	}
	if wantDigest == "" {
		return nil
	}
	got := dv.digester.Digest()
	if got.String() != wantDigest {
		return ocierrors.DigestMismatch("unpacked content digest " + got.String() + " != annotation " + wantDigest)
	}
	return nil
}

func untar(r io.Reader, destDir string) error {
	cleanDestDir := filepath.Clean(destDir)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ocierrors.IO("read tar stream", err)
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return ocierrors.Invariant("invalid path in tar: " + hdr.Name)
		}
		target := filepath.Join(cleanDestDir, cleanName)
		if target != cleanDestDir && !strings.HasPrefix(target, cleanDestDir+string(os.PathSeparator)) {
			return ocierrors.Invariant("path traversal detected: " + hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ocierrors.IO("mkdir "+target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ocierrors.IO("mkdir "+filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return ocierrors.IO("create "+target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return ocierrors.IO("write "+target, err)
			}
			f.Close()
		}
	}
}

// pushManifest marshals manifest and PUTs it under reference. An empty
// reference self-addresses the push at the manifest's own digest, used for
// subject-bearing attachments that have no caller-supplied tag.
func pushManifest(ctx context.Context, store contentstore.Store, reference string, manifest ocispec.Manifest) (ocispec.Descriptor, error) {
	body, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, ocierrors.Parse("marshal manifest: " + err.Error())
	}
	desc := ocispec.Descriptor{
		MediaType:    manifest.MediaType,
		ArtifactType: manifest.ArtifactType,
		Digest:       digestset.FromBytes(body),
		Size:         int64(len(body)),
	}
	if reference == "" {
		reference = desc.Digest.String()
	}
	if err := store.PutManifest(ctx, reference, desc, body); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

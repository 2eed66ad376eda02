// Package artifact implements the bidirectional mapping between a
// caller's file/directory inputs and the on-wire (config, layers,
// manifest) triple: tar/tar+gzip/tar+zstd/zip packing and streaming
// unpacking with the title/unpack annotation convention. Plain files are
// streamed from disk; directories are archived into memory before upload.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/internal/transport"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// Media types recognized for layers.
const (
	MediaTypeLayerTar      = "application/vnd.oci.image.layer.v1.tar"
	MediaTypeLayerTarGzip  = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeLayerTarZstd  = "application/vnd.oci.image.layer.v1.tar+zstd"
	MediaTypeZip           = "application/zip"
	MediaTypeGenericConfig = "application/vnd.unknown.artifact.v1"
)

// Annotation keys from the title/unpack convention.
const (
	AnnotationTitle       = ocispec.AnnotationTitle
	AnnotationUnpack      = "io.deis.oras.content.unpack"
	AnnotationContentHash = "io.deis.oras.content.digest"
)

// EmptyConfigDigest is the fixed digest of the two-byte `{}` empty config
// blob.
const EmptyConfigDigest = digest.Digest("sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a")

var emptyConfigBytes = []byte("{}")

// Input is one file or directory the caller wants packed into a layer.
type Input struct {
	// Path is the filesystem path to a file or directory.
	Path string
	// MediaType overrides the default layer media type. For a directory
	// it also selects the archive format (tar / tar+gzip / tar+zstd / zip).
	MediaType string
	// Title overrides the annotation title (defaults to filepath.Base(Path)).
	Title string
}

// PackedLayer is one streamed layer ready to push, plus the metadata the
// manifest needs.
type PackedLayer struct {
	Descriptor ocispec.Descriptor
	Open       transport.BodyFactory
}

// Pack turns in into a layer: a plain file is streamed from disk as-is; a
// directory is archived in memory per its media type (default tar+gzip).
func Pack(in Input) (PackedLayer, error) {
	info, err := os.Stat(in.Path)
	if err != nil {
		return PackedLayer{}, ocierrors.IO("stat "+in.Path, err)
	}

	title := in.Title
	if title == "" {
		title = filepath.Base(in.Path)
	}

	if !info.IsDir() {
		return packFile(in.Path, title, in.MediaType)
	}
	return packDir(in.Path, title, in.MediaType)
}

func packFile(path, title, mediaType string) (PackedLayer, error) {
	if mediaType == "" {
		mediaType = MediaTypeLayerTar
	}
	d, size, err := digestAndSizeOfFile(path)
	if err != nil {
		return PackedLayer{}, err
	}
	return PackedLayer{
		Descriptor: ocispec.Descriptor{
			MediaType:   mediaType,
			Digest:      d,
			Size:        size,
			Annotations: map[string]string{AnnotationTitle: title},
		},
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

func digestAndSizeOfFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, ocierrors.IO("open "+path, err)
	}
	defer f.Close()
	d, err := digestset.FromReader(f)
	if err != nil {
		return "", 0, ocierrors.IO("hash "+path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, ocierrors.IO("stat "+path, err)
	}
	return d, info.Size(), nil
}

func packDir(dir, title, mediaType string) (PackedLayer, error) {
	if mediaType == "" {
		mediaType = MediaTypeLayerTarGzip
	}

	// The uncompressed tar digest is required by the content-hash
	// annotation regardless of the chosen compression, so build it first.
	tarBuf := &bytes.Buffer{}
	if err := writeTar(tarBuf, dir); err != nil {
		return PackedLayer{}, err
	}
	tarBytes := tarBuf.Bytes()
	contentDigest := digestset.FromBytes(tarBytes)

	unpack := "true"
	var finalBytes []byte
	switch mediaType {
	case MediaTypeLayerTar:
		finalBytes = tarBytes
	case MediaTypeLayerTarGzip:
		buf := &bytes.Buffer{}
		gw := gzip.NewWriter(buf)
		if _, err := gw.Write(tarBytes); err != nil {
			return PackedLayer{}, ocierrors.IO("gzip layer", err)
		}
		if err := gw.Close(); err != nil {
			return PackedLayer{}, ocierrors.IO("close gzip writer", err)
		}
		finalBytes = buf.Bytes()
	case MediaTypeLayerTarZstd:
		buf := &bytes.Buffer{}
		zw, err := zstd.NewWriter(buf)
		if err != nil {
			return PackedLayer{}, ocierrors.IO("create zstd writer", err)
		}
		if _, err := zw.Write(tarBytes); err != nil {
			return PackedLayer{}, ocierrors.IO("zstd layer", err)
		}
		if err := zw.Close(); err != nil {
			return PackedLayer{}, ocierrors.IO("close zstd writer", err)
		}
		finalBytes = buf.Bytes()
	case MediaTypeZip:
		unpack = "false"
		buf := &bytes.Buffer{}
		if err := writeZip(buf, dir); err != nil {
			return PackedLayer{}, err
		}
		finalBytes = buf.Bytes()
		contentDigest = digestset.FromBytes(finalBytes)
	default:
		return PackedLayer{}, ocierrors.Invariant("unsupported directory layer media type " + mediaType)
	}

	d := digestset.FromBytes(finalBytes)
	return PackedLayer{
		Descriptor: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    d,
			Size:      int64(len(finalBytes)),
			Annotations: map[string]string{
				AnnotationTitle:       title,
				AnnotationUnpack:      unpack,
				AnnotationContentHash: contentDigest.String(),
			},
		},
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(finalBytes)), nil },
	}, nil
}

func writeTar(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return ocierrors.IO("tar "+dir, err)
	}
	if err := tw.Close(); err != nil {
		return ocierrors.IO("close tar writer", err)
	}
	return nil
}

func writeZip(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." || info.IsDir() {
			return nil
		}
		fw, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		return ocierrors.IO("zip "+dir, err)
	}
	if err := zw.Close(); err != nil {
		return ocierrors.IO("close zip writer", err)
	}
	return nil
}


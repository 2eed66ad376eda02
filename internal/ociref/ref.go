// Package ociref implements the reference model: parsing and formatting
// container references, the path builders the distribution protocol
// client uses, and platform descriptors.
//
// Grammar accepted for a container reference:
//
//	[registry "/"] (namespace "/")* repository [":" tag] ["@" algorithm ":" hex]
//
// A left component is a registry iff it contains '.' or ':' or equals
// "localhost"; otherwise the whole string is namespace+repository under the
// (deferred) default registry, and the reference is unqualified.
package ociref

import (
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// dockerHub is the canonical unqualified registry name.
const dockerHub = "docker.io"

// dockerHubAPI is the host docker.io maps to at the API layer.
const dockerHubAPI = "registry-1.docker.io"

// ContainerRef is an immutable reference into a registry. Mutators return
// new values; there is no in-place mutation.
type ContainerRef struct {
	registry    string
	namespace   string
	repository  string
	tag         string
	dig         digest.Digest
	unqualified bool
}

// Parse parses s per the grammar above. Parsing fails on an empty string,
// a missing repository component, or a malformed digest suffix.
func Parse(s string) (ContainerRef, error) {
	if s == "" {
		return ContainerRef{}, ocierrors.Parse("empty reference")
	}

	work := s
	var dig digest.Digest
	if idx := strings.IndexByte(work, '@'); idx >= 0 {
		d, err := digestset.Parse(work[idx+1:])
		if err != nil {
			return ContainerRef{}, err
		}
		dig = d
		work = work[:idx]
	}

	var registry string
	unqualified := true
	rest := work
	if idx := strings.IndexByte(work, '/'); idx >= 0 {
		head := work[:idx]
		if strings.ContainsAny(head, ".:") || head == "localhost" {
			registry = head
			rest = work[idx+1:]
			unqualified = false
		}
	}

	var tag string
	lastSlash := strings.LastIndexByte(rest, '/')
	segment := rest[lastSlash+1:]
	if ci := strings.IndexByte(segment, ':'); ci >= 0 {
		tag = segment[ci+1:]
		segment = segment[:ci]
		if lastSlash >= 0 {
			rest = rest[:lastSlash+1] + segment
		} else {
			rest = segment
		}
	}

	var namespace, repository string
	if lastSlash = strings.LastIndexByte(rest, '/'); lastSlash >= 0 {
		namespace = rest[:lastSlash]
		repository = rest[lastSlash+1:]
	} else {
		repository = rest
	}

	if repository == "" {
		return ContainerRef{}, ocierrors.Parse("reference " + s + " has no repository component")
	}

	if registry == "" {
		registry = dockerHub
	}

	return ContainerRef{
		registry:    registry,
		namespace:   namespace,
		repository:  repository,
		tag:         tag,
		dig:         dig,
		unqualified: unqualified,
	}, nil
}

// Registry returns the reference's registry component (docker.io if none
// was present in the parsed string).
func (r ContainerRef) Registry() string { return r.registry }

// Namespace returns the namespace path between the registry and the
// repository, empty if there was none.
func (r ContainerRef) Namespace() string { return r.namespace }

// Repository returns the repository component.
func (r ContainerRef) Repository() string { return r.repository }

// Tag returns the tag, empty if none was given.
func (r ContainerRef) Tag() string { return r.tag }

// Digest returns the digest, empty if none was given.
func (r ContainerRef) Digest() digest.Digest { return r.dig }

// HasTag reports whether a tag was given.
func (r ContainerRef) HasTag() bool { return r.tag != "" }

// HasDigest reports whether a digest was given.
func (r ContainerRef) HasDigest() bool { return r.dig != "" }

// IsUnqualified reports whether the parser saw no dotted/colonned registry
// component; resolution to an effective registry is deferred to the
// registries.conf resolver.
func (r ContainerRef) IsUnqualified() bool { return r.unqualified }

// APIRegistry returns the host used for the actual API calls: docker.io
// maps to registry-1.docker.io, everything else is used verbatim.
func (r ContainerRef) APIRegistry() string {
	if r.registry == dockerHub {
		return dockerHubAPI
	}
	return r.registry
}

// Name returns the "<namespace>/<repository>" path component used to build
// /v2/<name>/... paths.
func (r ContainerRef) Name() string {
	if r.namespace == "" {
		return r.repository
	}
	return r.namespace + "/" + r.repository
}

// TagOrDigest returns the digest if present, else the tag: operations
// that need a unique identity prefer the digest. Returns an error if
// neither is set.
func (r ContainerRef) TagOrDigest() (string, error) {
	if r.dig != "" {
		return r.dig.String(), nil
	}
	if r.tag != "" {
		return r.tag, nil
	}
	return "", ocierrors.Invariant("reference has neither tag nor digest")
}

// Format reconstructs the canonical reference string. An unqualified
// reference omits the registry component, so that Parse(Format(r)) == r
// for every canonical reference.
func (r ContainerRef) Format() string {
	var b strings.Builder
	if !r.unqualified {
		b.WriteString(r.registry)
		b.WriteByte('/')
	}
	if r.namespace != "" {
		b.WriteString(r.namespace)
		b.WriteByte('/')
	}
	b.WriteString(r.repository)
	if r.tag != "" {
		b.WriteByte(':')
		b.WriteString(r.tag)
	}
	if r.dig != "" {
		b.WriteByte('@')
		b.WriteString(r.dig.String())
	}
	return b.String()
}

func (r ContainerRef) String() string { return r.Format() }

// WithRegistry returns a copy with the registry replaced and the
// unqualified flag cleared, as happens after registries.conf resolution.
func (r ContainerRef) WithRegistry(registry string) ContainerRef {
	r.registry = registry
	r.unqualified = false
	return r
}

// WithNamespace returns a copy with the namespace replaced.
func (r ContainerRef) WithNamespace(namespace string) ContainerRef {
	r.namespace = namespace
	return r
}

// WithTag returns a copy with the tag replaced.
func (r ContainerRef) WithTag(tag string) ContainerRef {
	r.tag = tag
	return r
}

// WithDigest returns a copy with the digest replaced.
func (r ContainerRef) WithDigest(d digest.Digest) ContainerRef {
	r.dig = d
	return r
}

// GetManifestsPath returns "/v2/<name>/manifests/<digest|tag>".
func (r ContainerRef) GetManifestsPath() (string, error) {
	id, err := r.TagOrDigest()
	if err != nil {
		return "", err
	}
	return "/v2/" + r.Name() + "/manifests/" + id, nil
}

// GetBlobsPath returns "/v2/<name>/blobs/<digest>". It requires a digest
// and fails otherwise.
func (r ContainerRef) GetBlobsPath() (string, error) {
	if r.dig == "" {
		return "", ocierrors.Invariant("blob path requires a digest").WithSentinel(ocierrors.ErrMissingDigest)
	}
	return "/v2/" + r.Name() + "/blobs/" + r.dig.String(), nil
}

// GetTagsPath returns "/v2/<name>/tags/list".
func (r ContainerRef) GetTagsPath() string {
	return "/v2/" + r.Name() + "/tags/list"
}

// GetReferrersPath returns "/v2/<name>/referrers/<digest>", requiring a digest.
func (r ContainerRef) GetReferrersPath() (string, error) {
	if r.dig == "" {
		return "", ocierrors.Invariant("referrers path requires a digest").WithSentinel(ocierrors.ErrMissingDigest)
	}
	return "/v2/" + r.Name() + "/referrers/" + r.dig.String(), nil
}

// GetUploadsPath returns "/v2/<name>/blobs/uploads/".
func (r ContainerRef) GetUploadsPath() string {
	return "/v2/" + r.Name() + "/blobs/uploads/"
}

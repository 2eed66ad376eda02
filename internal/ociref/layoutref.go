package ociref

import (
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/internal/digestset"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// LayoutRef refers into an on-disk OCI Image Layout: a folder plus the
// same tag/digest distinction ContainerRef carries.
type LayoutRef struct {
	folder string
	tag    string
	dig    digest.Digest
}

// NewLayoutRef builds a reference to folder with no tag or digest set.
func NewLayoutRef(folder string) LayoutRef {
	return LayoutRef{folder: folder}
}

// ParseLayoutRef parses "<folder>[:tag]" or "<folder>@<digest>", the form
// the CLI accepts on its command line for layout-addressed operations.
func ParseLayoutRef(s string) (LayoutRef, error) {
	if s == "" {
		return LayoutRef{}, ocierrors.Parse("empty layout reference")
	}
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		d, err := digestset.Parse(s[idx+1:])
		if err != nil {
			return LayoutRef{}, err
		}
		return LayoutRef{folder: s[:idx], dig: d}, nil
	}
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		return LayoutRef{folder: s[:idx], tag: s[idx+1:]}, nil
	}
	return LayoutRef{folder: s}, nil
}

func (r LayoutRef) Folder() string        { return r.folder }
func (r LayoutRef) Tag() string           { return r.tag }
func (r LayoutRef) Digest() digest.Digest { return r.dig }
func (r LayoutRef) HasTag() bool          { return r.tag != "" }
func (r LayoutRef) HasDigest() bool       { return r.dig != "" }

func (r LayoutRef) WithTag(tag string) LayoutRef {
	r.tag = tag
	r.dig = ""
	return r
}

func (r LayoutRef) WithDigest(d digest.Digest) LayoutRef {
	r.dig = d
	r.tag = ""
	return r
}

// TagOrDigest mirrors ContainerRef.TagOrDigest: digest preferred, error if
// neither is set.
func (r LayoutRef) TagOrDigest() (string, error) {
	if r.dig != "" {
		return r.dig.String(), nil
	}
	if r.tag != "" {
		return r.tag, nil
	}
	return "", ocierrors.Invariant("layout reference has neither tag nor digest")
}

func (r LayoutRef) String() string {
	if r.dig != "" {
		return r.folder + "@" + r.dig.String()
	}
	if r.tag != "" {
		return r.folder + ":" + r.tag
	}
	return r.folder
}

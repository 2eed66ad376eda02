// Package registriesconf reads the containers/image-style registries.conf
// TOML file and applies unqualified-search, alias, and prefix-rewrite
// policy to container references.
package registriesconf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ocidist/ocidist/internal/ociref"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// ShortNameMode controls how unqualified references are resolved.
type ShortNameMode string

const (
	ModeEnforcing  ShortNameMode = "enforcing"
	ModePermissive ShortNameMode = "permissive"
	ModeDisabled   ShortNameMode = "disabled"
)

// RegistryEntry is one [[registry]] TOML table.
type RegistryEntry struct {
	Prefix   string `toml:"prefix"`
	Location string `toml:"location"`
	Insecure bool   `toml:"insecure"`
	Blocked  bool   `toml:"blocked"`
}

// rawConfig mirrors the registries.conf TOML schema.
type rawConfig struct {
	UnqualifiedSearchRegistries []string          `toml:"unqualified-search-registries"`
	ShortNameMode               string            `toml:"short-name-mode"`
	Registry                    []RegistryEntry   `toml:"registry"`
	Aliases                     map[string]string `toml:"aliases"`
}

// Config is the parsed, resolved form of registries.conf.
type Config struct {
	UnqualifiedSearchRegistries []string
	ShortNameMode               ShortNameMode
	Registries                  []RegistryEntry
	Aliases                     map[string]string
}

// DefaultPath returns "$HOME/.config/containers/registries.conf".
func DefaultPath(home string) string {
	return filepath.Join(home, ".config", "containers", "registries.conf")
}

// Load reads and parses the registries.conf at path. A missing file is not
// an error: Load returns a zero-value Config, meaning no special policy
// applies. The result is loaded once per Registry construction and frozen.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, ocierrors.IO("read "+path, err)
	}

	var raw rawConfig
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, ocierrors.Config("parse " + path + ": " + err.Error())
	}

	mode := ShortNameMode(raw.ShortNameMode)
	if mode == "" {
		mode = ModeEnforcing
	}
	if (mode == ModeEnforcing || mode == ModePermissive) && len(raw.UnqualifiedSearchRegistries) > 1 {
		return nil, ocierrors.New(ocierrors.KindConfig, "multiple unqualified-search-registries under "+string(mode)+" mode").WithSentinel(ocierrors.ErrMultipleUnqualified)
	}

	return &Config{
		UnqualifiedSearchRegistries: raw.UnqualifiedSearchRegistries,
		ShortNameMode:               mode,
		Registries:                  raw.Registry,
		Aliases:                     raw.Aliases,
	}, nil
}

// ResolveCandidates returns the ordered list of references ref could
// resolve to, applying, in order, (a) alias substitution, (b)
// unqualified-search-registry expansion, (c) longest-prefix rewrite.
// Aliases are applied before rewrites.
//
// For a qualified reference with no matching alias, the result is a single
// candidate: ref with any applicable prefix rewrite applied.
//
// Candidates whose resolved registry prefix is blocked are omitted; if
// every candidate is blocked, ResolveCandidates returns
// ocierrors.ErrBlocked.
func (c *Config) ResolveCandidates(ref ociref.ContainerRef) ([]ociref.ContainerRef, error) {
	if c == nil {
		c = &Config{}
	}

	if alias, ok := c.Aliases[ref.Format()]; ok {
		aliased, err := ociref.Parse(alias)
		if err != nil {
			return nil, ocierrors.Config("alias " + ref.Format() + " -> " + alias + ": " + err.Error())
		}
		ref = aliased
	}

	var bases []ociref.ContainerRef
	if ref.IsUnqualified() && c.ShortNameMode != ModeDisabled {
		if len(c.UnqualifiedSearchRegistries) == 0 {
			bases = []ociref.ContainerRef{ref}
		} else {
			for _, reg := range c.UnqualifiedSearchRegistries {
				bases = append(bases, ref.WithRegistry(reg))
			}
		}
	} else {
		bases = []ociref.ContainerRef{ref}
	}

	out := make([]ociref.ContainerRef, 0, len(bases))
	var allBlocked = true
	for _, b := range bases {
		rewritten := c.applyRewrite(b)
		if c.isBlocked(rewritten) {
			continue
		}
		allBlocked = false
		out = append(out, rewritten)
	}

	if len(out) == 0 {
		if allBlocked && len(bases) > 0 {
			return nil, ocierrors.New(ocierrors.KindInvariant, "all candidates for "+ref.Format()+" are blocked").WithSentinel(ocierrors.ErrBlocked)
		}
		return nil, ocierrors.Config("no resolution candidates for " + ref.Format())
	}
	return out, nil
}

// applyRewrite rewrites ref's canonical form by the longest matching
// [[registry]] prefix, substituting location for prefix.
func (c *Config) applyRewrite(ref ociref.ContainerRef) ociref.ContainerRef {
	canonical := ref.Registry() + "/" + ref.Name()

	type match struct {
		entry RegistryEntry
		len   int
	}
	var best *match
	for _, e := range c.Registries {
		if e.Prefix == "" {
			continue
		}
		if canonical == e.Prefix || strings.HasPrefix(canonical, e.Prefix+"/") {
			if best == nil || len(e.Prefix) > best.len {
				best = &match{entry: e, len: len(e.Prefix)}
			}
		}
	}
	if best == nil {
		return ref
	}

	rewrittenPath := best.entry.Location + strings.TrimPrefix(canonical, best.entry.Prefix)
	newRef, err := ociref.Parse(rewrittenPath + formatSuffix(ref))
	if err != nil {
		return ref
	}
	return newRef
}

func formatSuffix(ref ociref.ContainerRef) string {
	var b strings.Builder
	if ref.HasTag() {
		b.WriteByte(':')
		b.WriteString(ref.Tag())
	}
	if ref.HasDigest() {
		b.WriteByte('@')
		b.WriteString(ref.Digest().String())
	}
	return b.String()
}

// isBlocked reports whether ref's canonical registry/name is covered by a
// blocked [[registry]] prefix entry.
func (c *Config) isBlocked(ref ociref.ContainerRef) bool {
	canonical := ref.Registry() + "/" + ref.Name()
	for _, e := range c.Registries {
		if !e.Blocked || e.Prefix == "" {
			continue
		}
		if canonical == e.Prefix || strings.HasPrefix(canonical, e.Prefix+"/") {
			return true
		}
	}
	return false
}

// InsecureFor reports whether ref's registry should be accessed over plain
// HTTP with relaxed TLS, per a matching [[registry]].insecure entry.
func (c *Config) InsecureFor(ref ociref.ContainerRef) bool {
	canonical := ref.Registry() + "/" + ref.Name()
	best := -1
	insecure := false
	for _, e := range c.Registries {
		if e.Prefix == "" {
			continue
		}
		if canonical == e.Prefix || strings.HasPrefix(canonical, e.Prefix+"/") {
			if len(e.Prefix) > best {
				best = len(e.Prefix)
				insecure = e.Insecure
			}
		}
	}
	return insecure
}


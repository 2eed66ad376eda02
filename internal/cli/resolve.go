package cli

import (
	"os"
	"strings"

	"github.com/ocidist/ocidist/internal/auth"
	"github.com/ocidist/ocidist/internal/contentstore"
	"github.com/ocidist/ocidist/internal/credstore"
	"github.com/ocidist/ocidist/internal/distribution"
	"github.com/ocidist/ocidist/internal/layout"
	"github.com/ocidist/ocidist/internal/ociref"
	"github.com/ocidist/ocidist/internal/registriesconf"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// layoutPrefix marks a command-line endpoint argument as an on-disk OCI
// Image Layout rather than a registry reference, e.g. "oci:./dist:latest".
const layoutPrefix = "oci:"

func homeDir() string {
	if flagHome != "" {
		return flagHome
	}
	return os.Getenv("HOME")
}

func dockerConfigDir() string {
	if flagDockerConfig != "" {
		return flagDockerConfig
	}
	return os.Getenv("DOCKER_CONFIG")
}

func credentials() (auth.Credentials, error) {
	store, err := credstore.Load(homeDir(), dockerConfigDir())
	if err != nil {
		return nil, err
	}
	return auth.Chain{auth.Env{}, auth.CredentialStore{Store: store}}, nil
}

// resolveRegistryRef applies registries.conf resolution to a parsed
// reference, returning the first candidate per the deterministic
// first-registry-wins policy recorded in DESIGN.md.
func resolveRegistryRef(ref ociref.ContainerRef) (ociref.ContainerRef, *registriesconf.Config, error) {
	conf, err := registriesconf.Load(registriesconf.DefaultPath(homeDir()))
	if err != nil {
		return ociref.ContainerRef{}, nil, err
	}
	candidates, err := conf.ResolveCandidates(ref)
	if err != nil {
		return ociref.ContainerRef{}, nil, err
	}
	return candidates[0], conf, nil
}

// registryFor builds a Registry against resolved's API host.
func registryFor(resolved ociref.ContainerRef, insecure bool, creds auth.Credentials) *distribution.Registry {
	return distribution.NewRegistry(resolved.APIRegistry(), insecure, creds)
}

// openRepository parses s as a container reference, resolves it through
// registries.conf, and returns a Repository handle plus the tag-or-digest
// string manifest/blob operations should address.
func openRepository(s string) (*distribution.Repository, string, error) {
	ref, err := ociref.Parse(s)
	if err != nil {
		return nil, "", err
	}
	resolved, conf, err := resolveRegistryRef(ref)
	if err != nil {
		return nil, "", err
	}

	creds, err := credentials()
	if err != nil {
		return nil, "", err
	}

	insecure := flagInsecure || conf.InsecureFor(resolved)
	reg := registryFor(resolved, insecure, creds)
	repo := reg.Repository(resolved.Name())

	reference, err := resolved.TagOrDigest()
	if err != nil {
		return nil, "", err
	}
	return repo, reference, nil
}

// openLayout opens an "oci:<path>[:tag|@digest]" endpoint, returning the
// OCILayout plus the tag-or-digest string to address within it.
func openLayout(s string) (*layout.OCILayout, string, error) {
	s = strings.TrimPrefix(s, layoutPrefix)
	ref, err := ociref.ParseLayoutRef(s)
	if err != nil {
		return nil, "", err
	}
	l, err := layout.NewLayout(ref.Folder())
	if err != nil {
		return nil, "", err
	}
	reference, err := ref.TagOrDigest()
	if err != nil {
		// A bare folder with no tag/digest is valid for push targets that
		// will address themselves by their own manifest digest later.
		return l, "", nil
	}
	return l, reference, nil
}

// openEndpoint resolves s to a contentstore.Store plus the reference
// string to use against it, dispatching on the "oci:" layout prefix.
func openEndpoint(s string) (contentstore.Store, string, error) {
	if strings.HasPrefix(s, layoutPrefix) {
		return openLayout(s)
	}
	return openRepository(s)
}

func requireReference(reference string, s string) (string, error) {
	if reference == "" {
		return "", ocierrors.Invariant("endpoint " + s + " has neither a tag nor a digest").WithSentinel(ocierrors.ErrMissingTag)
	}
	return reference, nil
}

package ociref

import "testing"

func TestParseQualifiedWithNamespaceTagDigest(t *testing.T) {
	const in = "docker.io/library/foo/hello-world:latest@sha256:1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcd"

	r, err := Parse(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Registry() != "docker.io" {
		t.Errorf("registry = %q, want docker.io", r.Registry())
	}
	if r.APIRegistry() != "registry-1.docker.io" {
		t.Errorf("apiRegistry = %q, want registry-1.docker.io", r.APIRegistry())
	}
	if r.Namespace() != "library/foo" {
		t.Errorf("namespace = %q, want library/foo", r.Namespace())
	}
	if r.Repository() != "hello-world" {
		t.Errorf("repository = %q, want hello-world", r.Repository())
	}
	if r.Tag() != "latest" {
		t.Errorf("tag = %q, want latest", r.Tag())
	}
	if r.IsUnqualified() {
		t.Error("expected qualified reference")
	}
}

func TestParseUnqualified(t *testing.T) {
	r, err := Parse("alpine")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.IsUnqualified() {
		t.Error("expected unqualified reference")
	}
	if r.Repository() != "alpine" {
		t.Errorf("repository = %q, want alpine", r.Repository())
	}
	if r.Namespace() != "" {
		t.Errorf("namespace = %q, want empty", r.Namespace())
	}
}

func TestParseLocalhostIsRegistry(t *testing.T) {
	r, err := Parse("localhost/x")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Registry() != "localhost" {
		t.Errorf("registry = %q, want localhost", r.Registry())
	}
	if r.Repository() != "x" {
		t.Errorf("repository = %q, want x", r.Repository())
	}
	if r.IsUnqualified() {
		t.Error("localhost/x must be qualified")
	}
}

func TestParseLocalhostWithPort(t *testing.T) {
	r, err := Parse("localhost:5000/x:latest")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Registry() != "localhost:5000" {
		t.Errorf("registry = %q, want localhost:5000", r.Registry())
	}
	if r.Tag() != "latest" {
		t.Errorf("tag = %q, want latest", r.Tag())
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"docker.io/library/foo/hello-world:latest@sha256:1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcd",
		"alpine",
		"alpine:3.18",
		"gcr.io/project/image:tag",
		"localhost:5000/x",
	}
	for _, in := range cases {
		r, err := Parse(in)
		if err != nil {
			t.Fatalf("parse(%q): %v", in, err)
		}
		out := r.Format()
		r2, err := Parse(out)
		if err != nil {
			t.Fatalf("parse(format(%q)=%q): %v", in, out, err)
		}
		if r2.Format() != out {
			t.Errorf("round trip mismatch: %q -> %q -> %q", in, out, r2.Format())
		}
	}
}

func TestGetBlobsPathRequiresDigest(t *testing.T) {
	r, err := Parse("alpine:latest")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := r.GetBlobsPath(); err == nil {
		t.Fatal("expected error without digest")
	}
}

func TestGetManifestsPath(t *testing.T) {
	r, err := Parse("localhost/x:latest")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	path, err := r.GetManifestsPath()
	if err != nil {
		t.Fatalf("GetManifestsPath: %v", err)
	}
	if want := "/v2/x/manifests/latest"; path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
}

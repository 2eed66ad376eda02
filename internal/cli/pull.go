package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/artifact"
	"github.com/ocidist/ocidist/internal/contentstore"
	"github.com/ocidist/ocidist/internal/ociref"
)

var (
	pullPlatform  string
	pullOverwrite bool
)

var pullCmd = &cobra.Command{
	Use:   "pull REF DEST",
	Short: "Pull an artifact's titled layers into a local directory",
	Long: `Pull fetches the manifest at REF and writes each layer carrying a
title annotation into DEST, unpacking tar-family layers and verifying
their content-hash annotation.

REF is a container reference (alpine, docker.io/library/alpine:latest,
gcr.io/project/image@sha256:...) or an "oci:<path>[:tag|@digest]" layout
endpoint.`,
	Args: cobra.ExactArgs(2),
	RunE: runPull,
}

func init() {
	pullCmd.Flags().StringVar(&pullPlatform, "platform", "",
		"select the manifest matching os/arch[/variant] when REF names an index")
	pullCmd.Flags().BoolVar(&pullOverwrite, "overwrite", false,
		"allow writing into a non-empty destination directory")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, reference, err := openEndpoint(args[0])
	if err != nil {
		return err
	}
	reference, err = requireReference(reference, args[0])
	if err != nil {
		return err
	}
	dest := args[1]

	reference, err = resolvePlatform(ctx, store, reference, pullPlatform)
	if err != nil {
		return err
	}

	desc, err := artifact.PullArtifact(ctx, store, reference, dest, artifact.PullOptions{
		Overwrite: pullOverwrite,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), desc.Digest.String())
	return nil
}

// resolvePlatform probes reference; if it names an index, it returns the
// digest of the first manifest matching platform (empty platform means no
// filtering, and the reference is returned unchanged for a plain manifest).
func resolvePlatform(ctx context.Context, store contentstore.Store, reference, platform string) (string, error) {
	if platform == "" {
		return reference, nil
	}
	want, err := parsePlatform(platform)
	if err != nil {
		return "", err
	}

	body, desc, err := store.GetManifest(ctx, reference)
	if err != nil {
		return "", err
	}
	if desc.MediaType != ocispec.MediaTypeImageIndex {
		return reference, nil
	}

	var idx ocispec.Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return "", err
	}
	for _, m := range idx.Manifests {
		if ociref.MatchesPlatform(m.Platform, want, false) {
			return m.Digest.String(), nil
		}
	}
	return "", fmt.Errorf("no manifest in index matches platform %s", platform)
}

func parsePlatform(s string) (*ocispec.Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("expected format os/arch[/variant], got %q", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/artifact"
)

var (
	pushArtifactType string
	pushAnnotations  map[string]string
	pushMediaType    string
)

var pushCmd = &cobra.Command{
	Use:   "push REF FILE [FILE...]",
	Short: "Pack files/directories into layers and push an artifact manifest",
	Long: `Push packs each FILE (a plain file becomes one layer; a directory
is archived as tar/tar+gzip/tar+zstd/zip per --media-type) into a layer,
uploads every blob the manifest will reference, and PUTs the manifest
last: every blob is acknowledged before the manifest.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().StringVar(&pushArtifactType, "artifact-type", "", "manifest artifactType")
	pushCmd.Flags().StringToStringVar(&pushAnnotations, "annotation", nil, "manifest annotation (key=value, repeatable)")
	pushCmd.Flags().StringVar(&pushMediaType, "media-type", "", "layer media type override (applies to every input)")
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, reference, err := openEndpoint(args[0])
	if err != nil {
		return err
	}

	inputs := make([]artifact.Input, 0, len(args)-1)
	for _, path := range args[1:] {
		inputs = append(inputs, artifact.Input{Path: path, MediaType: pushMediaType})
	}

	desc, err := artifact.PushArtifact(ctx, store, reference, inputs, artifact.PushOptions{
		ArtifactType: pushArtifactType,
		Annotations:  pushAnnotations,
		Output:       cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), desc.Digest.String())
	return nil
}

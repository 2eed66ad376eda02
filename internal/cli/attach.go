package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/artifact"
)

var (
	attachArtifactType string
	attachAnnotations  map[string]string
)

var attachCmd = &cobra.Command{
	Use:   "attach SUBJECT FILE [FILE...]",
	Short: "Push an artifact whose subject is SUBJECT, discoverable via the referrers API",
	Long: `Attach builds a manifest with subject set to SUBJECT's own
descriptor and pushes it; the registry is expected to make it
discoverable via GET /v2/<name>/referrers/<digest>.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachArtifactType, "artifact-type", "", "manifest artifactType")
	attachCmd.Flags().StringToStringVar(&attachAnnotations, "annotation", nil, "manifest annotation (key=value, repeatable)")
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, subjectRef, err := openEndpoint(args[0])
	if err != nil {
		return err
	}
	subjectRef, err = requireReference(subjectRef, args[0])
	if err != nil {
		return err
	}

	inputs := make([]artifact.Input, 0, len(args)-1)
	for _, path := range args[1:] {
		inputs = append(inputs, artifact.Input{Path: path})
	}

	desc, err := artifact.AttachArtifact(ctx, store, subjectRef, inputs, artifact.PushOptions{
		ArtifactType: attachArtifactType,
		Annotations:  attachAnnotations,
		Output:       cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), desc.Digest.String())
	return nil
}

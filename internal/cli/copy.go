package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/copyengine"
)

var copyRecursive bool

var copyCmd = &cobra.Command{
	Use:   "copy SRC DST",
	Short: "Copy a manifest/index and every blob it references between two endpoints",
	Long: `Copy moves content between any two endpoints: registry to
registry, registry to layout, or layout to layout. It skips blobs the
target already has and pushes the manifest/index last so the target
never observes a manifest with missing blobs.

SRC and DST are container references or "oci:<path>[:tag|@digest]"
layout endpoints.`,
	Args: cobra.ExactArgs(2),
	RunE: runCopy,
}

func init() {
	copyCmd.Flags().BoolVar(&copyRecursive, "recursive", false,
		"after copying the manifest, walk and copy every referrer of the source")
}

func runCopy(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	src, srcRef, err := openEndpoint(args[0])
	if err != nil {
		return err
	}
	srcRef, err = requireReference(srcRef, args[0])
	if err != nil {
		return err
	}
	dst, dstRef, err := openEndpoint(args[1])
	if err != nil {
		return err
	}
	if dstRef == "" {
		dstRef = srcRef
	}

	desc, err := copyengine.Copy(ctx, src, srcRef, dst, dstRef, copyengine.Options{
		Recursive: copyRecursive,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), desc.Digest.String())
	return nil
}

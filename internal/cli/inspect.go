package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect REF",
	Short: "Print a manifest or index's raw JSON and resolved descriptor",
	Long: `Inspect fetches REF's manifest (verifying its digest) and prints
the raw body followed by its descriptor (media type, digest, size).`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, reference, err := openEndpoint(args[0])
	if err != nil {
		return err
	}
	reference, err = requireReference(reference, args[0])
	if err != nil {
		return err
	}

	body, desc, err := store.GetManifest(ctx, reference)
	if err != nil {
		return err
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "---\nmediaType: %s\ndigest: %s\nsize: %d\n", desc.MediaType, desc.Digest, desc.Size)
	return nil
}

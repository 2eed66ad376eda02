package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/ociref"
)

var tagsCmd = &cobra.Command{
	Use:   "tags REPOSITORY",
	Short: "List a repository's tags (GET /v2/<name>/tags/list, paginated)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTags,
}

func runTags(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ref, err := ociref.Parse(args[0])
	if err != nil {
		return err
	}
	resolved, conf, err := resolveRegistryRef(ref)
	if err != nil {
		return err
	}
	creds, err := credentials()
	if err != nil {
		return err
	}
	insecure := flagInsecure || conf.InsecureFor(resolved)
	reg := registryFor(resolved, insecure, creds)
	repo := reg.Repository(resolved.Name())

	tags, err := repo.ListTags(ctx)
	if err != nil {
		return err
	}
	for _, t := range tags {
		fmt.Fprintln(cmd.OutOrStdout(), t)
	}
	return nil
}

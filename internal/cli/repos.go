package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/distribution"
)

var reposCmd = &cobra.Command{
	Use:   "repos REGISTRY",
	Short: "List a registry's repositories (GET /v2/_catalog, paginated)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepos,
}

func runRepos(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	host := args[0]
	apiHost := host
	if host == "docker.io" {
		apiHost = "registry-1.docker.io"
	}

	creds, err := credentials()
	if err != nil {
		return err
	}
	reg := distribution.NewRegistry(apiHost, flagInsecure, creds)

	repos, err := reg.ListRepos(ctx)
	if err != nil {
		return err
	}
	for _, r := range repos {
		fmt.Fprintln(cmd.OutOrStdout(), r)
	}
	return nil
}

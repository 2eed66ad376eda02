// Package cli wires internal/distribution, internal/layout,
// internal/artifact, and internal/copyengine into a spf13/cobra command
// tree: a single rootCmd, persistent global flags, subcommands registered
// in init().
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the client version reported by `ocidist --version`.
var Version = "0.1.0"

// Global flags shared by every subcommand that resolves a reference.
var (
	flagInsecure     bool
	flagHome         string
	flagDockerConfig string
)

var rootCmd = &cobra.Command{
	Use:   "ocidist",
	Short: "A client for the OCI Distribution protocol",
	Long: `ocidist pushes, pulls, and copies OCI artifacts against any
OCI-conformant registry, and materializes an on-disk OCI Image Layout.

It resolves references through $HOME/.config/containers/registries.conf
(unqualified-search registries, per-registry rewrites, aliases, and
insecure/blocked flags) and authenticates through Docker-style
config.json credential files, upgrading anonymous requests to Basic or
Bearer as the registry's challenges require.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

// Execute runs the root command, printing any returned error to stderr.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(layoutCmd)

	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false,
		"use http:// and skip TLS verification regardless of registries.conf")
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "",
		"override $HOME for locating registries.conf and credential files")
	rootCmd.PersistentFlags().StringVar(&flagDockerConfig, "docker-config", "",
		"override $DOCKER_CONFIG for locating config.json")
}

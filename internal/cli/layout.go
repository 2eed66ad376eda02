package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocidist/ocidist/internal/layout"
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Operate on on-disk OCI Image Layouts",
}

var layoutInitCmd = &cobra.Command{
	Use:   "init DIR",
	Short: "Bootstrap an empty OCI Image Layout at DIR",
	Long: `Init creates DIR/oci-layout, DIR/index.json, and DIR/blobs/ if
they don't already exist. It is idempotent: running it against an
existing layout is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runLayoutInit,
}

func init() {
	layoutCmd.AddCommand(layoutInitCmd)
}

func runLayoutInit(cmd *cobra.Command, args []string) error {
	if _, err := layout.NewLayout(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), args[0])
	return nil
}

// Command ocidist is a CLI front end for the OCI Distribution protocol
// client: push, pull, and copy artifacts against any conformant registry
// or on-disk OCI Image Layout.
package main

import (
	"github.com/ocidist/ocidist/internal/cli"
)

func main() {
	cli.Execute()
}

// Package cli exposes the throttle command tree so it can be mounted under
// another cobra binary.
package cli

import (
	"github.com/spf13/cobra"

	internalcli "github.com/sosiouxme/throttle/internal/cli"
)

// NewRootCmd returns the "throttle" command with its server, simulate,
// record and init-config subcommands.
func NewRootCmd() *cobra.Command {
	return internalcli.NewRootCmd()
}

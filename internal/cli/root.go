package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root throttle command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "throttle",
		Short: "Distributed sliding-window event throttles",
		Long: `throttle counts events across every process sharing a cache and fires
triggers when the rolling total over a window crosses a threshold.

Run it as an HTTP service, record one-off events against a shared cache,
or simulate a throttle on a virtual clock without waiting for time to pass.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newSimulateCmd(),
		newRecordCmd(),
		newInitConfigCmd(),
	)

	return root
}

// Package pipecmd implements upcall pipe inspection commands for gssauthctl.
package pipecmd

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for pipe inspection.
var Cmd = &cobra.Command{
	Use:   "pipe",
	Short: "Inspect the upcall pipe to the daemon",
	Long: `Inspect the process-wide upcall pipe: which wire format version is
latched and whether a daemon is currently attached.`,
}

func init() {
	Cmd.AddCommand(statusCmd)
}

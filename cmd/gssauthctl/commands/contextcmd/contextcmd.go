// Package contextcmd implements credential cache inspection commands for
// gssauthctl.
package contextcmd

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for credential cache inspection.
var Cmd = &cobra.Command{
	Use:     "contexts",
	Aliases: []string{"ctx"},
	Short:   "Inspect cached RPCSEC_GSS credentials",
	Long: `Inspect the credential cache of a running authenticator.

Examples:
  # List cached credentials
  gssauthctl contexts list

  # Flush a single uid's cached credential, forcing a fresh upcall
  gssauthctl contexts flush 1000

  # Flush every cached credential
  gssauthctl contexts flush --all`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(flushCmd)
}

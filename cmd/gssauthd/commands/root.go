// Package commands implements the CLI commands for gssauthd, the
// long-running process that owns an Authenticator's pipe nodes and
// credential cache on behalf of whatever RPC client embeds this module.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gssauthd",
	Short: "RPCSEC_GSS client authenticator daemon",
	Long: `gssauthd owns one Authenticator's rpc_pipefs-style upcall nodes and
credential cache, and exposes them to gssauthctl over an admin Unix socket.

Use "gssauthd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the gssauthd config file (default: $XDG_CONFIG_HOME/gssauth/config.yaml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// Package commands implements the CLI commands for gssauthctl.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/gssauth/cmd/gssauthctl/cmdutil"
	contextcmd "github.com/marmos91/gssauth/cmd/gssauthctl/commands/contextcmd"
	pipecmd "github.com/marmos91/gssauth/cmd/gssauthctl/commands/pipecmd"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gssauthctl",
	Short: "RPCSEC_GSS client control - inspect a running authenticator",
	Long: `gssauthctl talks to a running gssauth authenticator's admin socket
to inspect its credential cache and upcall pipe state.

Use "gssauthctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.AdminSocket, _ = cmd.Flags().GetString("admin-socket")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
	},
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
	rootCmd.PersistentFlags().String("admin-socket", cmdutil.DefaultAdminSocket, "Path to the authenticator's admin Unix socket")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(contextcmd.Cmd)
	rootCmd.AddCommand(pipecmd.Cmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}

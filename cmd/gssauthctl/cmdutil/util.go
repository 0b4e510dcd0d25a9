// Package cmdutil provides shared utilities for gssauthctl commands.
package cmdutil

import (
	"os"

	"github.com/marmos91/gssauth/internal/adminapi"
	"github.com/marmos91/gssauth/internal/cli/output"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	AdminSocket string
	Output      string
}

// DefaultAdminSocket is the socket path an embedding host is expected to
// serve its adminapi.Server on unless overridden.
const DefaultAdminSocket = adminapi.DefaultSocketPath

// GetClient returns an adminapi.Client dialing the configured admin socket.
func GetClient() *adminapi.Client {
	return adminapi.NewClient(Flags.AdminSocket)
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// NewPrinter returns a Printer writing to stdout in the configured format.
func NewPrinter() (*output.Printer, error) {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(os.Stdout, format), nil
}

// BoolToYesNo converts a boolean to "yes" or "no" string.
func BoolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

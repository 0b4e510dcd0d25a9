package pipecmd

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/gssauth/cmd/gssauthctl/cmdutil"
	"github.com/marmos91/gssauth/internal/adminapi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current pipe version latch and daemon attachment state",
	RunE:  runStatus,
}

type pipeStatusRow adminapi.PipeStatus

func (p pipeStatusRow) Headers() []string {
	return []string{"VERSION", "ATTACHED"}
}

func (p pipeStatusRow) Rows() [][]string {
	return [][]string{{p.Version, cmdutil.BoolToYesNo(p.Attached)}}
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()
	status, err := client.PipeStatus(cmd.Context())
	if err != nil {
		return err
	}

	printer, err := cmdutil.NewPrinter()
	if err != nil {
		return err
	}
	return printer.Print(pipeStatusRow(*status))
}

package contextcmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/gssauth/cmd/gssauthctl/cmdutil"
	"github.com/marmos91/gssauth/internal/adminapi"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all cached credentials",
	Long: `List every credential currently held in the authenticator's cache,
along with its status flags and bound context expiry.`,
	RunE: runContextList,
}

// contextList adapts a slice of adminapi.ContextInfo to output.TableRenderer.
type contextList []adminapi.ContextInfo

func (cl contextList) Headers() []string {
	return []string{"UID", "TARGET", "SERVICE", "FLAGS", "HAS CTX", "EXPIRES"}
}

func (cl contextList) Rows() [][]string {
	rows := make([][]string, 0, len(cl))
	for _, c := range cl {
		expires := "-"
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.Format(time.RFC3339)
		}
		target := c.Target
		if target == "" {
			target = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", c.UID),
			target,
			c.Service,
			c.Flags,
			cmdutil.BoolToYesNo(c.HasCtx),
			expires,
		})
	}
	return rows
}

func runContextList(cmd *cobra.Command, args []string) error {
	client := cmdutil.GetClient()
	contexts, err := client.ListContexts(cmd.Context())
	if err != nil {
		return err
	}

	printer, err := cmdutil.NewPrinter()
	if err != nil {
		return err
	}

	if len(contexts) == 0 {
		printer.Println("No cached credentials.")
		return nil
	}

	return printer.Print(contextList(contexts))
}

package contextcmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/gssauth/cmd/gssauthctl/cmdutil"
)

var flushAll bool

var flushCmd = &cobra.Command{
	Use:   "flush [uid]",
	Short: "Flush a cached credential, forcing a fresh upcall on next use",
	Long: `Flush evicts a cached credential so the next RPC call for that uid
triggers a fresh upcall to the daemon instead of reusing a possibly stale
or expired security context.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFlush,
}

func init() {
	flushCmd.Flags().BoolVar(&flushAll, "all", false, "Flush every cached credential")
}

func runFlush(cmd *cobra.Command, args []string) error {
	if !flushAll && len(args) == 0 {
		return fmt.Errorf("specify a uid or pass --all")
	}

	client := cmdutil.GetClient()

	var uid *uint32
	if len(args) == 1 {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid uid %q: %w", args[0], err)
		}
		u := uint32(v)
		uid = &u
	}

	if err := client.FlushContext(cmd.Context(), uid); err != nil {
		return err
	}

	printer, err := cmdutil.NewPrinter()
	if err != nil {
		return err
	}
	if uid != nil {
		printer.Println(fmt.Sprintf("flushed uid %d", *uid))
	} else {
		printer.Println("flushed all cached credentials")
	}
	return nil
}

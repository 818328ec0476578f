package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// idCmd prints the node's derived overlay identifier without starting a
// listener. The identity itself is generated on first use by node.New, so
// there is no separate "init" step in the new CLI model.
func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local node's overlay id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(appCtx.Self().Full())
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"ciphera/internal/crypto"

	"github.com/spf13/cobra"
)

// fingerprintCmd prints the fingerprint of the stored identity without
// starting a listener.
func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the local identity's fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, id := appCtx.IdentityInfo()
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(id.XPub[:]))
			return nil
		},
	}
	return cmd
}

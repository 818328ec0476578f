package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ciphera/internal/adminhttp"
)

// serveCmd runs the node until interrupted: accepts inbound overlay
// connections (if --listen is set), joins through every --bootstrap peer,
// and optionally serves the read-only admin HTTP surface.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node, accepting connections and joining the overlay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fmt.Printf("node_id: %s\n", appCtx.Self().Full())

			for _, bp := range parseBootstrap(bootstrapPeers) {
				peer, err := appCtx.Connect(ctx, bp.Addr)
				if err != nil {
					slog.Warn("bootstrap connect failed", "addr", bp.Addr, "err", err)
					continue
				}
				slog.Info("joined overlay through bootstrap peer", "addr", bp.Addr, "peer", peer.String())
			}

			if adminAddr != "" {
				admin, err := adminhttp.New(adminAddr, appCtx)
				if err != nil {
					return fmt.Errorf("starting admin http: %w", err)
				}
				go func() {
					if err := admin.Serve(ctx); err != nil {
						slog.Error("admin http exited", "err", err)
					}
				}()
				slog.Info("admin http listening", "addr", admin.Addr())
			}

			<-ctx.Done()
			slog.Info("shutting down")
			return appCtx.Close()
		},
	}
}

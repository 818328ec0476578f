package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ciphera/internal/domain"
	"ciphera/internal/node"
	"ciphera/internal/store"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

// These flags are shared across all commands.
var (
	homeDir        string
	passphrase     string
	listenAddr     string
	bootstrapPeers []string
	obfuscation    string
	tlsEnabled     bool
	adminAddr      string

	// appCtx holds the wired Node after PersistentPreRunE, kept as the one
	// package-level convenience global the cobra command tree's RunE
	// closures share — the idiomatic cobra pattern this command tree
	// already used, not the process-wide state the domain logic avoids.
	appCtx *node.Node
)

// ConfigError marks a PersistentPreRunE failure as a configuration problem
// rather than a runtime one, so main can exit 2 per spec §6's CLI exit-code
// contract (0 clean shutdown, 2 configuration error, 1 fatal runtime error)
// instead of collapsing every failure into the same exit code.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// Execute initialises the application context and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "ciphera",
		Short: "Decentralized end-to-end encrypted chat node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir == "" {
				if h, err := os.UserHomeDir(); err == nil {
					homeDir = filepath.Join(h, ".ciphera")
				}
			}
			if err := os.MkdirAll(homeDir, 0o700); err != nil {
				return configErrorf("creating config dir: %w", err)
			}
			if passphrase == "" {
				return configErrorf("passphrase required (-p)")
			}

			method, err := parseMethod(obfuscation)
			if err != nil {
				return &ConfigError{Err: err}
			}

			n, err := node.New(node.Config{
				Passphrase: passphrase,
				ListenAddr: listenAddr,
				Method:     method,
				TLS:        tlsConfig(),
				Identity:   store.NewIdentityFileStore(homeDir),
				Prekey:     store.NewPrekeyFileStore(homeDir),
				Bundle:     store.NewPrekeyBundleFileStore(homeDir),
				Sessions:   store.NewSessionStore(homeDir),
				Ratchets:   store.NewRatchetFileStore(homeDir),
				Routing:    store.NewRoutingTableFileStore(homeDir),
			})
			if err != nil {
				return configErrorf("initialising node: %w", err)
			}
			appCtx = n
			return nil
		},
	}

	root.PersistentFlags().StringVar(&homeDir, "home", "", "config directory (default: $HOME/.ciphera)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting your local identity")
	root.PersistentFlags().StringVar(&listenAddr, "listen", "", "address to accept inbound overlay connections on, e.g. 0.0.0.0:7700")
	root.PersistentFlags().StringArrayVar(&bootstrapPeers, "bootstrap", nil, "HOST:PORT,NODE_ID of a peer to join through (repeatable)")
	root.PersistentFlags().StringVar(&obfuscation, "obfuscation", "raw", "wire obfuscation method: raw, random-pad, http-looking, websocket-looking")
	root.PersistentFlags().BoolVar(&tlsEnabled, "tls", false, "wrap connections in TLS for DPI resistance (no security dependency)")
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "", "address to serve the read-only admin HTTP surface on (empty: disabled)")

	root.AddCommand(serveCmd(), fingerprintCmd(), idCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.SetContext(ctx)

	return root.Execute()
}

func parseMethod(s string) (wire.Method, error) {
	switch strings.ToLower(s) {
	case "", "raw":
		return wire.MethodRaw, nil
	case "random-pad":
		return wire.MethodRandomPad, nil
	case "http-looking":
		return wire.MethodHTTPLooking, nil
	case "websocket-looking":
		return wire.MethodWebSocketLooking, nil
	default:
		return 0, fmt.Errorf("unknown --obfuscation method %q", s)
	}
}

func tlsConfig() transport.TLSConfig {
	return transport.TLSConfig{Enabled: tlsEnabled}
}

// bootstrapTarget is one parsed --bootstrap value.
type bootstrapTarget struct {
	Addr string
	Node domain.NodeID
}

// parseBootstrap parses "HOST:PORT,NODE_ID" flags; a malformed NODE_ID is
// tolerated (Connect() learns the real id from the WELCOME reply), since
// spec §6 only requires the address to actually dial.
func parseBootstrap(raw []string) []bootstrapTarget {
	out := make([]bootstrapTarget, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ",", 2)
		t := bootstrapTarget{Addr: parts[0]}
		if len(parts) == 2 {
			_ = t.Node.UnmarshalText([]byte(parts[1]))
		}
		out = append(out, t)
	}
	return out
}

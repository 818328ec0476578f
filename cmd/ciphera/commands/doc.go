// Package commands defines the ciphera CLI and wires the node for subcommands.
//
// Commands
//
//   - serve          Run the node: accept connections, join the overlay, block until interrupted
//   - fingerprint    Print the local identity's fingerprint
//   - id             Print the local node's overlay id
//
// # Implementation
//
// The root command builds an internal/node.Node from --home/--passphrase and
// the listen/bootstrap/obfuscation/tls flags before any subcommand runs, so
// handlers share one running node instance.
package commands

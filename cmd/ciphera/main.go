// The entrypoint for the ciphera CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"ciphera/cmd/ciphera/commands"
)

// Initialises and executes the command hierarchy. Exit code follows spec
// §6: 0 on clean shutdown, 2 on configuration error, 1 on fatal runtime
// error.
func main() {
	err := commands.Execute()
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var cfgErr *commands.ConfigError
	if errors.As(err, &cfgErr) {
		os.Exit(2)
	}
	os.Exit(1)
}

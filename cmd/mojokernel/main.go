// Command mojokernel brokers notebook execution requests to Mojo REPL
// processes. See `mojokernel --help`.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sakif/mojo-kernel/cmd/mojokernel/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := commands.Execute(context.Background(), Version, Commit, BuildDate); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

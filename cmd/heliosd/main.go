// Command heliosd runs a standalone Helios WebSocket application
// server: a Coordinator wired to a chi router, started against a
// config file and shut down cleanly on interrupt.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "heliosd",
		Short: "Helios WebSocket application server",
		Long: `heliosd runs a Helios server: connection lifecycle, session
recovery, request/response RPC, and pub/sub rooms over a single
WebSocket endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

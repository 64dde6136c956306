// Command gatewayd runs the session-scoped MCP multiplexing gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Session-scoped multiplexing gateway for upstream MCP servers",
	}

	cmd.AddCommand(serveCommand())
	return cmd
}

package main

import (
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `mcp exposes ucti_search, ucti_iocs and ucti_healthcheck to MCP
clients over stdin/stdout.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(_ *cobra.Command, _ []string) error {
	// The JSON-RPC stream owns stdout; logs move to stderr.
	initLogger(os.Stderr)

	ctx, cancel := signalContext()
	defer cancel()

	svc, _, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := mcp.NewServer(&mcp.Implementation{Name: "ucti", Version: "1.0.0"}, nil)
	svc.RegisterMCP(srv)

	slog.Info("mcp server starting")
	transport := &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}
	if err := srv.Run(ctx, transport); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/mcpserver"
	"github.com/dyluth/reo/internal/printer"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the workflow to AI agents over MCP",
	Long: `Attach to the target and serve reo's workflow as Model Context Protocol
tools over stdin and stdout. Agents start and stop the workflow, scan and
filter memory, read values, set breakpoints and decompile.

Register it with an MCP client as a stdio server:
  {"command": "reo", "args": ["mcp", "--pid", "4242"]}

All diagnostics go to stderr; stdout carries only protocol messages.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	addTargetFlags(mcpCmd)
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// stdout belongs to the protocol
	printer.Stdout = os.Stderr

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyTargetFlags(cfg); err != nil {
		return err
	}

	rt, err := buildStack(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return mcpserver.New(rt.engine, cfg.Visual.Regions, version).ServeStdio()
}

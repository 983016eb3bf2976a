package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/pkg/message"
)

var (
	breakpointType string
	breakpointJSON bool
)

var breakpointsCmd = &cobra.Command{
	Use:     "breakpoints [address...]",
	Aliases: []string{"bp"},
	Short:   "Set breakpoints on candidate addresses",
	Long: `Ask the running orchestrator to place breakpoints through its RE tool.

With no addresses, breakpoints go on the current candidates of the scan
session. Addresses accept hex (0x...) or decimal.

Examples:
  # Break on writes to every surviving candidate
  reo breakpoints

  # Break on reads of two addresses
  reo breakpoints 0x7ffd1000 0x7ffd1010 --type read`,
	RunE: runBreakpoints,
}

var decompileCmd = &cobra.Command{
	Use:   "decompile <address>",
	Short: "Decompile the function containing an address",
	Long: `Ask the running orchestrator's RE tool for the function containing an
address. IDA returns pseudocode; Delve returns a disassembly.

Examples:
  reo decompile 0x401a2c`,
	Args: cobra.ExactArgs(1),
	RunE: runDecompile,
}

func init() {
	addRemoteFlags(breakpointsCmd)
	breakpointsCmd.Flags().StringVar(&breakpointType, "type", "", "Breakpoint type: write, read, execute, hardware or software (default from config)")
	breakpointsCmd.Flags().BoolVar(&breakpointJSON, "json", false, "Print the result as JSON")
	addRemoteFlags(decompileCmd)
	rootCmd.AddCommand(breakpointsCmd)
	rootCmd.AddCommand(decompileCmd)
}

func runBreakpoints(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddresses(args)
	if err != nil {
		return err
	}
	if breakpointType != "" {
		if _, err := adapter.ParseBreakpointType(breakpointType); err != nil {
			return printer.Error(
				fmt.Sprintf("invalid breakpoint type '%s'", breakpointType),
				err.Error(),
				[]string{"Valid types: write, read, execute, hardware, software"},
			)
		}
	}

	ctx := context.Background()
	_, client, err := dialOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var set message.BreakpointSet
	req := message.BreakpointSet{Addresses: addrs, Type: breakpointType}
	if err := request(ctx, client, message.TypeBreakpointSet, req, &set); err != nil {
		return err
	}
	if breakpointJSON {
		return printer.FormatJSON(printer.Stdout, set)
	}
	if placed := printer.FormatBreakpoints(printer.Stdout, set); placed == 0 {
		return fmt.Errorf("no breakpoints placed")
	}
	return nil
}

func runDecompile(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddresses(args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	_, client, err := dialOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var res message.DecompileResult
	if err := request(ctx, client, message.TypeDecompileRequest, message.DecompileRequest{Address: addrs[0]}, &res); err != nil {
		return err
	}
	printer.FormatDecompile(printer.Stdout, res)
	if !res.Success {
		return fmt.Errorf("decompilation failed")
	}
	return nil
}

// parseAddresses accepts hex with a 0x prefix, octal with 0, or decimal.
func parseAddresses(args []string) ([]uint64, error) {
	out := make([]uint64, 0, len(args))
	for _, a := range args {
		addr, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, printer.Error(
				fmt.Sprintf("invalid address '%s'", a),
				"Addresses are hex with a 0x prefix, or decimal.",
				[]string{"reo breakpoints 0x7ffd1000"},
			)
		}
		out = append(out, addr)
	}
	return out, nil
}

package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/tooldetect"
)

var (
	detectProcesses string
	detectJSON      bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect available RE tools and target processes",
	Long: `Report which reverse-engineering tools reo can drive, whether each is
running, and how it was found.

With --processes, also list running processes whose name contains the
given text, to pick a target.

Examples:
  reo detect
  reo detect --processes game
  reo detect --json`,
	Args: cobra.NoArgs,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().StringVar(&detectProcesses, "processes", "", "List processes whose name contains this text")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Print the results as JSON")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := tooldetect.New(cfg.DetectorConfig()).Detect(ctx)

	var procs []scanner.ProcessInfo
	if cmd.Flags().Changed("processes") {
		procs, err = scanner.ListProcesses(ctx, detectProcesses)
		if err != nil {
			return printer.Error("failed to list processes", err.Error(), nil)
		}
	}

	if detectJSON {
		out := map[string]interface{}{"tools": results}
		if procs != nil {
			out["processes"] = procs
		}
		return printer.FormatJSON(printer.Stdout, out)
	}

	printer.FormatDetection(printer.Stdout, results)
	if cmd.Flags().Changed("processes") {
		printer.Println()
		printer.FormatProcesses(printer.Stdout, procs)
	}
	return nil
}

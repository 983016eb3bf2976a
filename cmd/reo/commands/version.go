package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/scanner"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printer.Info("reo %s\n", orUnset(version, "dev"))
		printer.Info("  commit:   %s\n", orUnset(commit, "none"))
		printer.Info("  built:    %s\n", orUnset(date, "unknown"))
		printer.Info("  platform: %s/%s (%s)\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
		printer.Info("  scanners: %v\n", scanner.NewFactory().Backends())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func orUnset(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

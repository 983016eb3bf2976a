package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/scaffold"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a starter reo.yml",
	Long: `Write a commented reo.yml with one example region into the current
directory, or into dir.

Edit the target and region coordinates, then start with 'reo run'.

Use --force to overwrite an existing reo.yml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	// Note: Cannot use -f shorthand because it conflicts with global --config flag
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing reo.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return printer.Error(
				"project already initialized",
				err.Error(),
				[]string{"Use 'reo init --force' to overwrite it"},
			)
		}
	}

	path, err := scaffold.Initialize(dir, forceInit)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Created %s\n", filepath.Clean(path))
	printer.Println()
	printer.Info("Next steps:\n")
	printer.Info("  1. Set target.process_name, or pass --pid to each command\n")
	printer.Info("  2. Adjust the hp region to cover the value on screen\n")
	printer.Info("  3. Check it reads correctly:  reo monitor\n")
	printer.Info("  4. Start the workflow:        reo run\n")
	return nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/config"
	"github.com/dyluth/reo/internal/logx"
	"github.com/dyluth/reo/internal/printer"
)

var (
	version string
	commit  string
	date    string

	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reo",
	Short: "reo - find the memory behind what you see on screen",
	Long: `reo correlates changes it sees in a region of the screen with memory
scans of the running application, narrowing the candidate addresses on every
change until few enough remain to set breakpoints on and decompile.

Start with 'reo run' to drive the workflow, then use 'reo status',
'reo breakpoints' and 'reo watch' against the running orchestrator.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Unknown flags on the root command are an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// The printer package prints formatted errors itself
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to reo.yml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (info or debug); overrides the config file")
}

// loadConfig reads the config file, applies REO_* overrides and the
// --log-level flag, and configures logging.
func loadConfig() (*config.ReoConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Fix the file, or point at another one:\n  reo --config path/to/reo.yml"},
		)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, printer.Error(
			"invalid environment override",
			err.Error(),
			[]string{"Check the REO_* environment variables"},
		)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logx.SetLevel(cfg.LogLevel)
	return cfg, nil
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/scanner"
)

var (
	runRegions   []string
	runValueType string
	runListen    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the visual-to-memory workflow",
	Long: `Attach to the target process, watch the configured screen regions and
narrow memory candidates on every value change.

The first value read from a region starts an initial scan; each later change
filters the surviving candidates. When few enough remain, breakpoints are
set on them through the detected RE tool.

The orchestrator accepts requests from 'reo status', 'reo scan',
'reo breakpoints' and 'reo watch' on its message channel until interrupted.

Examples:
  # Watch every configured region of the process named in reo.yml
  reo run

  # Watch only the hp region of pid 4242, reading float values
  reo run --pid 4242 --region hp --value-type float32

  # Pin the channel address so other commands find it without --addr
  reo run --listen 127.0.0.1:7777`,
	RunE: runRun,
}

func init() {
	addTargetFlags(runCmd)
	runCmd.Flags().StringSliceVarP(&runRegions, "region", "r", nil, "Region to watch (repeatable, default all configured)")
	runCmd.Flags().StringVarP(&runValueType, "value-type", "t", "", "Value type to scan for (default from config)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Message channel listen address (overrides the config file)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyTargetFlags(cfg); err != nil {
		return err
	}
	if runListen != "" {
		cfg.Channel.Listen = runListen
	}
	regions, err := selectRegions(cfg, runRegions)
	if err != nil {
		return err
	}
	vt, err := valueTypeFlag(runValueType)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.Start(ctx, regions, vt); err != nil {
		return printer.Error(
			"failed to start workflow",
			err.Error(),
			[]string{"Run 'reo detect' to check the target and RE tools"},
		)
	}

	printer.Success("Workflow running on %d region(s)\n", len(regions))
	printer.Info("  Channel: %s\n", rt.server.Addr())
	if rt.healthAddr != "" {
		printer.Info("  Health:  http://%s/healthz\n", rt.healthAddr)
	}
	if rt.bridge != nil {
		printer.Info("  Events:  redis %s\n", cfg.Redis.URL)
	}
	printer.Println()
	printer.Info("Follow progress with:\n  reo watch --addr %s\n", rt.server.Addr())
	printer.Info("Press Ctrl+C to stop.\n")

	<-ctx.Done()
	printer.Println()
	printer.Step("Stopping workflow\n")
	return nil
}

// valueTypeFlag parses an optional --value-type flag.
func valueTypeFlag(s string) (scanner.ValueType, error) {
	if s == "" {
		return "", nil
	}
	vt, err := scanner.ParseValueType(s)
	if err != nil {
		return "", printer.Error(
			fmt.Sprintf("invalid value type '%s'", s),
			err.Error(),
			[]string{"Valid types: int8, int16, int32, int64, uint8, uint16, uint32, uint64, float, double, string, bytes"},
		)
	}
	return vt, nil
}

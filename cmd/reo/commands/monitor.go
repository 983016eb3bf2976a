package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/visual"
	"github.com/dyluth/reo/internal/watch"
	"github.com/dyluth/reo/pkg/message"
)

// monitorSource names a standalone monitor on the wire.
const monitorSource = "monitor"

var (
	monitorRegions []string
	monitorOutput  string
	monitorForward bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch screen regions without scanning memory",
	Long: `Capture the configured screen regions and print every change and value
read from them. Useful for tuning thresholds and the OCR setup before
running the full workflow.

With --forward, each change is also sent to a running orchestrator, which
then scans and filters as if it had seen the change itself. This lets the
monitor run on the machine with the display while 'reo run' runs elsewhere.

Examples:
  # Check the hp region is read correctly
  reo monitor --region hp

  # Feed a remote orchestrator
  reo monitor --forward --addr 10.0.0.5:7777`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	addRemoteFlags(monitorCmd)
	monitorCmd.Flags().StringSliceVarP(&monitorRegions, "region", "r", nil, "Region to watch (repeatable, default all configured)")
	monitorCmd.Flags().StringVarP(&monitorOutput, "output", "o", "default", "Output format (default or jsonl)")
	monitorCmd.Flags().BoolVar(&monitorForward, "forward", false, "Send changes to the orchestrator at --addr")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(monitorOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}
	formatter, err := watch.NewFormatter(format, printer.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *channel.Client
	if monitorForward {
		_, client, err = dialOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	regions, err := selectRegions(cfg, monitorRegions)
	if err != nil {
		return err
	}

	capturer := capture.NewScreenCapturer()
	if !capturer.Available() {
		return printer.Error(
			"no display available",
			"Screen capture found no active display.",
			[]string{"Run reo on the machine showing the application", "Check DISPLAY is set under X11"},
		)
	}

	monitor := visual.NewMonitor(capturer, cfg.Extractor(), cfg.MonitorConfig())
	onChange := func(ctx context.Context, ev visual.ChangeEvent) {
		msg, err := message.New(message.TypeVisualChange, monitorSource, ev.ToMessage(cfg.Visual.IncludeSnapshot))
		if err != nil {
			printer.Warning("Dropped change in %s: %v\n", ev.RegionID, err)
			return
		}
		if err := formatter.Format(msg); err != nil {
			printer.Warning("Failed to print change: %v\n", err)
		}
		if client != nil {
			if err := client.Send(ctx, msg); err != nil {
				printer.Warning("Failed to forward change in %s: %v\n", ev.RegionID, err)
			}
		}
	}
	if err := monitor.Start(regions, onChange); err != nil {
		return printer.Error("failed to start monitor", err.Error(), nil)
	}
	defer monitor.Stop(cfg.Workflow.StopTimeout)

	if format == watch.OutputFormatDefault {
		printer.Success("Monitoring %d region(s) every %s. Press Ctrl+C to stop.\n", len(regions), cfg.Visual.CaptureInterval)
	}
	<-ctx.Done()
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/adapter"
	"github.com/dyluth/reo/internal/capture"
	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/config"
	"github.com/dyluth/reo/internal/orchestrator"
	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/tooldetect"
	"github.com/dyluth/reo/internal/visual"
)

// Target selection shared by the commands that attach to a process.
var (
	targetPID  int
	targetName string
)

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&targetPID, "pid", "p", 0, "Target process id (overrides the config file)")
	cmd.Flags().StringVar(&targetName, "process", "", "Target process name (overrides the config file)")
}

// applyTargetFlags replaces the configured target when a flag names one.
func applyTargetFlags(cfg *config.ReoConfig) error {
	switch {
	case targetPID != 0 && targetName != "":
		return printer.Error(
			"conflicting target flags",
			"--pid and --process are mutually exclusive.",
			[]string{"Pass only one of them"},
		)
	case targetPID != 0:
		cfg.Target = scanner.Target{PID: targetPID}
	case targetName != "":
		cfg.Target = scanner.Target{Name: targetName}
	}
	if err := cfg.Target.Validate(); err != nil {
		return printer.Error(
			"no target process",
			"reo needs exactly one of a process name or a pid to scan.",
			[]string{
				"Pass it on the command line:\n  reo run --pid 4242",
				"Or set target.process_name in reo.yml",
				"Find candidates with:\n  reo detect --processes <name>",
			},
		)
	}
	return nil
}

// selectRegions returns the named configured regions, or all of them.
func selectRegions(cfg *config.ReoConfig, names []string) ([]capture.Region, error) {
	if len(names) == 0 {
		if len(cfg.Visual.Regions) == 0 {
			return nil, printer.Error(
				"no regions configured",
				"reo watches named screen regions listed under visual.regions.",
				[]string{"Add a region to reo.yml:\n  visual:\n    regions:\n      - {name: hp, x: 10, y: 10, width: 120, height: 30}"},
			)
		}
		return cfg.Visual.Regions, nil
	}
	out := make([]capture.Region, 0, len(names))
	for _, name := range names {
		r, ok := cfg.Region(name)
		if !ok {
			known := make([]string, 0, len(cfg.Visual.Regions))
			for _, k := range cfg.Visual.Regions {
				known = append(known, k.Name)
			}
			return nil, printer.ErrorWithContext(
				fmt.Sprintf("unknown region '%s'", name),
				"The region is not listed under visual.regions.",
				map[string]string{"Configured": strings.Join(known, ", ")},
				nil,
			)
		}
		out = append(out, r)
	}
	return out, nil
}

// stack is the assembled workflow: scanner, adapter, monitor, message
// server, optional Redis bridge and optional health server.
type stack struct {
	cfg        *config.ReoConfig
	engine     *orchestrator.Engine
	server     *channel.Server
	bridge     *channel.Bridge
	health     *orchestrator.HealthServer
	healthAddr string
}

// buildStack attaches to the configured target and wires every component
// around one orchestrator engine. The engine is not started.
func buildStack(ctx context.Context, cfg *config.ReoConfig) (*stack, error) {
	rt := &stack{cfg: cfg}

	printer.Step("Attaching to %s\n", cfg.Target)
	sc, err := scanner.NewFactory().Open(ctx, cfg.ScannerConfig(cfg.Target))
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to attach to target",
			err.Error(),
			map[string]string{"Target": cfg.Target.String(), "Preferred backend": cfg.Scanner.PreferredBackend},
			[]string{
				"Check the process is running:\n  reo detect --processes <name>",
				"Reading another process's memory may need elevated privileges (ptrace_scope, root)",
			},
		)
	}
	info := sc.Info()
	printer.Success("Attached to pid %d with %s backend\n", info.PID, info.Backend)

	detector := tooldetect.New(cfg.DetectorConfig())
	ad, err := adapter.Open(ctx, cfg.Adapter.Config, detector)
	switch {
	case errors.Is(err, adapter.ErrNoToolDetected):
		printer.Warning("No RE tool detected; breakpoints and decompilation are unavailable\n")
	case err != nil:
		sc.Disconnect()
		return nil, printer.Error(
			"failed to open RE tool adapter",
			err.Error(),
			[]string{"Check adapter.tool in reo.yml (auto, delve, ida or none)"},
		)
	case ad != nil:
		printer.Success("Using %s for breakpoints and decompilation\n", ad.Name())
	}

	capturer := capture.NewScreenCapturer()
	if !capturer.Available() {
		printer.Warning("No display found; screen capture will fail until one is available\n")
	}
	monitor := visual.NewMonitor(capturer, cfg.Extractor(), cfg.MonitorConfig())

	rt.server = channel.NewServer(cfg.ServerConfig())
	deps := orchestrator.Deps{Monitor: monitor, Scanner: sc, Adapter: ad, Server: rt.server}

	if cfg.Redis.URL != "" {
		bridge, err := channel.NewBridgeURL(cfg.Redis.URL, cfg.Redis.Instance)
		if err != nil {
			sc.Disconnect()
			return nil, fmt.Errorf("failed to create Redis bridge: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := bridge.Ping(pingCtx); err != nil {
			printer.Warning("Redis at %s is not reachable, events will be dropped: %v\n", cfg.Redis.URL, err)
		}
		cancel()
		rt.bridge = bridge
		deps.Publishers = append(deps.Publishers, bridge)
	}

	rt.engine = orchestrator.NewEngine(cfg.OrchestratorConfig(), deps)

	if cfg.Health.Listen != "" {
		var pinger orchestrator.Pinger
		if rt.bridge != nil {
			pinger = rt.bridge
		}
		rt.health = orchestrator.NewHealthServer(rt.engine, cfg.Health.Listen, pinger)
		addr, err := rt.health.Start()
		if err != nil {
			rt.Close()
			return nil, printer.Error(
				"failed to start health server",
				err.Error(),
				[]string{"Pick a free address for health.listen, or leave it empty to disable"},
			)
		}
		rt.healthAddr = addr
	}
	return rt, nil
}

// Close stops the workflow and releases every component.
func (r *stack) Close() {
	if r.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.health.Shutdown(ctx)
		cancel()
	}
	if err := r.engine.Close(); err != nil {
		printer.Warning("Shutdown was not clean: %v\n", err)
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
}

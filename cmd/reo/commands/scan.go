package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/config"
	"github.com/dyluth/reo/internal/orchestrator"
	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/pkg/message"
)

// localResultLimit caps the rows printed by a --local scan.
const localResultLimit = 100

var (
	scanValueType string
	scanType      string
	scanLocal     bool
	scanThen      []string
	scanJSON      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <value>",
	Short: "Start a new memory scan for a value",
	Long: `Scan the target's memory for a value, starting a new scan session.

By default the request goes to the running orchestrator, so later 'reo filter'
calls narrow the same session. With --local, reo attaches to the target
itself, runs the scan and any --then filters, and exits.

Examples:
  # Scan the running workflow's target for 100 as int32
  reo scan 100

  # Scan for a float
  reo scan 12.5 --value-type float

  # One-shot narrowing without an orchestrator
  reo scan 100 --local --pid 4242 --then 95 --then 90`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var filterCmd = &cobra.Command{
	Use:   "filter [value]",
	Short: "Narrow the current scan session",
	Long: `Filter the surviving candidates of the running workflow's scan session.

Exact, greater and less compare against the given value. Changed and
unchanged compare against the value each candidate held in the previous
generation and take no value.

Examples:
  reo filter 95
  reo filter --scan-type changed
  reo filter 90 --scan-type less`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFilter,
}

func init() {
	for _, cmd := range []*cobra.Command{scanCmd, filterCmd} {
		addRemoteFlags(cmd)
		cmd.Flags().StringVarP(&scanValueType, "value-type", "t", "", "Value type (default from config, or the session's type)")
		cmd.Flags().StringVarP(&scanType, "scan-type", "s", "", "Comparison: exact, greater, less (filter also: changed, unchanged)")
		cmd.Flags().BoolVar(&scanJSON, "json", false, "Print the result as JSON")
	}
	scanCmd.Flags().BoolVar(&scanLocal, "local", false, "Attach to the target directly instead of using the orchestrator")
	scanCmd.Flags().StringArrayVar(&scanThen, "then", nil, "With --local, filter by these values in order (repeatable)")
	addTargetFlags(scanCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(filterCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	vt, err := valueTypeFlag(scanValueType)
	if err != nil {
		return err
	}
	st, err := scanTypeFlag(scanType)
	if err != nil {
		return err
	}
	if len(scanThen) > 0 && !scanLocal {
		return printer.Error(
			"--then needs --local",
			"The running orchestrator keeps its own session; filter it with 'reo filter'.",
			[]string{"reo scan 100 --local --then 95"},
		)
	}
	if scanLocal {
		return runLocalScan(args[0], vt, st)
	}

	ctx := context.Background()
	_, client, err := dialOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var result message.ScanResult
	req := message.ScanRequest{Value: args[0], ValueType: string(vt), ScanType: string(st)}
	if err := request(ctx, client, message.TypeScanRequest, req, &result); err != nil {
		return err
	}
	return printResult(result)
}

func runFilter(cmd *cobra.Command, args []string) error {
	vt, err := valueTypeFlag(scanValueType)
	if err != nil {
		return err
	}
	st, err := scanTypeFlag(scanType)
	if err != nil {
		return err
	}
	var value interface{}
	if len(args) == 1 {
		value = args[0]
	} else if st != scanner.Changed && st != scanner.Unchanged {
		return printer.Error(
			"missing value",
			fmt.Sprintf("A %s filter compares against a value.", st),
			[]string{"reo filter 95", "Or compare with the previous generation:\n  reo filter --scan-type changed"},
		)
	}

	ctx := context.Background()
	_, client, err := dialOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var result message.FilterResult
	req := message.FilterRequest{Value: value, ValueType: string(vt), ScanType: string(st)}
	if err := request(ctx, client, message.TypeFilterRequest, req, &result); err != nil {
		return err
	}
	return printResult(result)
}

// runLocalScan attaches to the target, runs one scan and the --then filters.
func runLocalScan(value string, vt scanner.ValueType, st scanner.ScanType) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyTargetFlags(cfg); err != nil {
		return err
	}
	if vt == "" {
		vt = scanner.ValueType(cfg.Workflow.ValueType)
	}

	ctx := context.Background()
	sc, err := scanner.NewFactory().Open(ctx, cfg.ScannerConfig(cfg.Target))
	if err != nil {
		return printer.ErrorWithContext(
			"failed to attach to target",
			err.Error(),
			map[string]string{"Target": cfg.Target.String()},
			[]string{"Reading another process's memory may need elevated privileges (ptrace_scope, root)"},
		)
	}
	defer sc.Disconnect()

	info := sc.Info()
	if !scanJSON {
		printer.Step("Scanning pid %d (%s backend) for %s as %s\n", info.PID, info.Backend, value, vt)
	}
	cands, err := localPass(ctx, cfg, func(ctx context.Context) ([]scanner.Candidate, error) {
		return sc.InitialScan(ctx, value, vt, st)
	})
	if err != nil {
		return err
	}
	result := orchestrator.ScanResultOf(sc.Session(), cands, localResultLimit)

	for _, next := range scanThen {
		if result.Status == string(scanner.StatusExhausted) {
			break
		}
		if !scanJSON {
			printer.Step("%d candidates, filtering for %s\n", result.Count, next)
		}
		next := next
		cands, err = localPass(ctx, cfg, func(ctx context.Context) ([]scanner.Candidate, error) {
			return sc.FilterScan(ctx, next, vt, scanner.Exact)
		})
		if err != nil {
			return err
		}
		result = orchestrator.ScanResultOf(sc.Session(), cands, localResultLimit)
	}
	return printResult(result)
}

func localPass(ctx context.Context, cfg *config.ReoConfig, fn func(context.Context) ([]scanner.Candidate, error)) ([]scanner.Candidate, error) {
	if cfg.Scanner.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Scanner.ScanTimeout)
		defer cancel()
	}
	cands, err := fn(ctx)
	if err != nil {
		return nil, printer.Error("scan failed", err.Error(), nil)
	}
	return cands, nil
}

func printResult(result message.ScanResult) error {
	if scanJSON {
		return printer.FormatJSON(printer.Stdout, result)
	}
	printer.FormatCandidates(printer.Stdout, result)
	return nil
}

// scanTypeFlag parses an optional --scan-type flag.
func scanTypeFlag(s string) (scanner.ScanType, error) {
	st, err := scanner.ParseScanType(s)
	if err != nil {
		return "", printer.Error(
			fmt.Sprintf("invalid scan type '%s'", s),
			err.Error(),
			[]string{"Valid types: exact, greater, less, changed, unchanged"},
		)
	}
	return st, nil
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/config"
	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/internal/watch"
	"github.com/dyluth/reo/pkg/message"
)

var (
	watchOutputFormat string
	watchTypes        []string
	watchUntil        string
	watchTimeout      time.Duration
	watchRedis        bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor real-time workflow activity",
	Long: `Stream the orchestrator's events as they happen: visual changes, scan
and filter results, breakpoints, decompilation and errors.

Events come from the orchestrator's message channel, or from Redis with
--redis when redis.url is configured.

Output Formats:
  default - Human-readable output with timestamps and emojis
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything
  reo watch --addr 127.0.0.1:7777

  # Only scan progress, as JSON
  reo watch --type scan_result --type filter_result -o jsonl > scans.jsonl

  # Block until a breakpoint is hit, for scripting
  reo watch --until breakpoint_hit --timeout 10m`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	addRemoteFlags(watchCmd)
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "Only show these event types (repeatable)")
	watchCmd.Flags().StringVar(&watchUntil, "until", "", "Exit after the first event of this type")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Minute, "With --until, give up after this long")
	watchCmd.Flags().BoolVar(&watchRedis, "redis", false, "Read events from the configured Redis bridge")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}
	types, err := parseTypes(watchTypes)
	if err != nil {
		return err
	}
	var until message.Type
	if watchUntil != "" {
		parsed, err := parseTypes([]string{watchUntil})
		if err != nil {
			return err
		}
		until = parsed[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closeSrc, err := openSource(ctx)
	if err != nil {
		return err
	}
	defer closeSrc()

	if until == "" {
		return watch.Stream(ctx, src, format, printer.Stdout, types...)
	}

	msg, err := watch.WaitFor(ctx, src, watch.OfType(until), watchTimeout)
	if err != nil {
		return printer.Error(
			fmt.Sprintf("no %s event", until),
			err.Error(),
			[]string{"Raise the limit with --timeout"},
		)
	}
	formatter, err := watch.NewFormatter(format, printer.Stdout)
	if err != nil {
		return err
	}
	return formatter.Format(msg)
}

// openSource connects to the Redis bridge with --redis, otherwise to the
// orchestrator's message channel.
func openSource(ctx context.Context) (watch.Source, func(), error) {
	if watchRedis {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		return openRedisSource(ctx, cfg)
	}

	_, client, err := dialOrchestrator(ctx)
	if err != nil {
		return nil, nil, err
	}
	return watch.FromQueue(client.Queue()), func() { client.Close() }, nil
}

func openRedisSource(ctx context.Context, cfg *config.ReoConfig) (watch.Source, func(), error) {
	if cfg.Redis.URL == "" {
		return nil, nil, printer.Error(
			"Redis bridge not configured",
			"--redis reads events from redis.url, which is empty.",
			[]string{"Set redis.url in reo.yml, or drop --redis to use the message channel"},
		)
	}
	bridge, err := channel.NewBridgeURL(cfg.Redis.URL, cfg.Redis.Instance)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Redis bridge: %w", err)
	}
	if err := bridge.Ping(ctx); err != nil {
		bridge.Close()
		return nil, nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Redis.URL),
			nil,
			[]string{"Check the Redis server is running and redis.url is correct"},
		)
	}
	sub, err := bridge.Subscribe(ctx)
	if err != nil {
		bridge.Close()
		return nil, nil, err
	}
	return watch.FromSubscription(sub), func() {
		sub.Close()
		bridge.Close()
	}, nil
}

func parseTypes(names []string) ([]message.Type, error) {
	out := make([]message.Type, 0, len(names))
	for _, n := range names {
		t := message.Type(strings.ToLower(n))
		if !t.Valid() {
			var known []string
			for _, k := range message.Types() {
				known = append(known, string(k))
			}
			sort.Strings(known)
			return nil, printer.ErrorWithContext(
				fmt.Sprintf("unknown event type '%s'", n),
				"The type is not one reo publishes.",
				map[string]string{"Known": strings.Join(known, ", ")},
				nil,
			)
		}
		out = append(out, t)
	}
	return out, nil
}

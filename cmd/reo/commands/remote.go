package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/internal/config"
	"github.com/dyluth/reo/internal/printer"
	"github.com/dyluth/reo/pkg/message"
)

// clientSource names the commands on the wire.
const clientSource = "cli"

var (
	remoteAddr string
	statusJSON bool
)

// addRemoteFlags registers --addr on commands that talk to 'reo run'.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&remoteAddr, "addr", "a", "", "Orchestrator channel address (default channel.listen from the config)")
}

// resolveAddr picks --addr, or the configured listen address when it names
// a fixed port.
func resolveAddr(cfg *config.ReoConfig) (string, error) {
	if remoteAddr != "" {
		return remoteAddr, nil
	}
	if _, port, err := net.SplitHostPort(cfg.Channel.Listen); err == nil && port != "0" {
		return cfg.Channel.Listen, nil
	}
	return "", printer.Error(
		"orchestrator address unknown",
		"The configured channel.listen uses an ephemeral port, so its address is only known to 'reo run'.",
		[]string{
			"Pass the address 'reo run' printed:\n  reo status --addr 127.0.0.1:41234",
			"Or pin channel.listen in reo.yml to a fixed port",
		},
	)
}

// dialOrchestrator loads the configuration and returns a client connected
// to the running orchestrator.
func dialOrchestrator(ctx context.Context) (*config.ReoConfig, *channel.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	addr, err := resolveAddr(cfg)
	if err != nil {
		return nil, nil, err
	}
	client := channel.NewClient(cfg.ClientConfig(addr))
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, printer.ErrorWithContext(
			"orchestrator not reachable",
			err.Error(),
			map[string]string{"Address": addr},
			[]string{"Start the workflow first:\n  reo run"},
		)
	}
	return cfg, client, nil
}

// request sends one request and decodes the reply into out. Error replies
// are reported with their code.
func request(ctx context.Context, client *channel.Client, t message.Type, payload, out interface{}) error {
	msg, err := message.New(t, clientSource, payload)
	if err != nil {
		return err
	}
	reply, err := client.Request(ctx, msg)
	if err != nil {
		return printer.Error(
			fmt.Sprintf("%s failed", t),
			err.Error(),
			[]string{"Check the orchestrator is still running:\n  reo ping"},
		)
	}
	if reply.Type == message.TypeError {
		var ep message.ErrorPayload
		if err := reply.DecodePayload(&ep); err != nil {
			return err
		}
		return printer.ErrorWithContext(
			fmt.Sprintf("%s rejected", t),
			ep.Message,
			map[string]string{"Code": ep.Code},
			suggestionsFor(ep.Code),
		)
	}
	if out == nil {
		return nil
	}
	return reply.DecodePayload(out)
}

// suggestionsFor maps well-known error codes to next steps.
func suggestionsFor(code string) []string {
	switch code {
	case "NoPriorScan":
		return []string{"Run an initial scan first:\n  reo scan <value>"}
	case "NoAddresses":
		return []string{"Narrow the candidates further, or pass addresses explicitly:\n  reo breakpoints 0x7ffd1000"}
	case "NoAdapter":
		return []string{"Start an RE tool, then check it is detected:\n  reo detect"}
	case "TypeMismatch":
		return []string{"Use the session's value type, or start a new scan"}
	}
	return nil
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the orchestrator is reachable",
	Long: `Round-trip a ping over the orchestrator's message channel.

Examples:
  reo ping --addr 127.0.0.1:7777`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workflow status",
	Long: `Show the phase, scan session and candidate state of the running workflow.

Examples:
  reo status --addr 127.0.0.1:7777

  # Machine-readable
  reo status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	addRemoteFlags(pingCmd)
	addRemoteFlags(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr, err := resolveAddr(cfg)
	if err != nil {
		return err
	}
	client := channel.NewClient(cfg.ClientConfig(addr))
	defer client.Close()

	rtt, err := client.Ping(ctx)
	if err != nil {
		return printer.ErrorWithContext(
			"orchestrator not reachable",
			err.Error(),
			map[string]string{"Address": addr},
			[]string{"Start the workflow first:\n  reo run"},
		)
	}
	printer.Success("pong from %s in %s\n", addr, rtt.Round(time.Microsecond))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, client, err := dialOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var st message.Status
	if err := request(ctx, client, message.TypeStatus, nil, &st); err != nil {
		return err
	}
	if statusJSON {
		return printer.FormatJSON(printer.Stdout, st)
	}
	printer.FormatStatus(printer.Stdout, st)
	return nil
}

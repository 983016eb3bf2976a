package printer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/reo/internal/scanner"
	"github.com/dyluth/reo/internal/tooldetect"
	"github.com/dyluth/reo/pkg/message"
)

// FormatCandidates writes a scan or filter result as a table of addresses.
// Returns the number of rows written.
func FormatCandidates(w io.Writer, result message.ScanResult) int {
	bold.Fprintf(w, "Generation %d: %s\n", result.Generation, result.Status)

	if result.Count == 0 {
		if result.Generation > 0 {
			fmt.Fprintln(w, "No candidates left. Restart the session with a fresh scan.")
		} else {
			fmt.Fprintln(w, "No scan has been run.")
		}
		return 0
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-18s %-8s %-22s %-14s %s\n", "ADDRESS", "TYPE", "VALUE", "REGION", "MODULE")
	fmt.Fprintf(w, "%-18s %-8s %-22s %-14s %s\n",
		"------------------", "--------", "----------------------", "--------------", "----------")
	for _, c := range result.Candidates {
		fmt.Fprintf(w, "%-18s %-8s %-22s %-14s %s\n",
			formatAddress(c.Address),
			c.ValueType,
			truncate(FormatValue(c.Raw, c.ValueType), 22),
			orDash(c.Region),
			orDash(c.Module),
		)
	}

	shown := len(result.Candidates)
	fmt.Fprintf(w, "\n%s\n", countLine(shown, result.Count, result.Truncated))
	return shown
}

func countLine(shown, total int, truncated bool) string {
	noun := "candidate"
	if total != 1 {
		noun = "candidates"
	}
	line := fmt.Sprintf("%d %s", total, noun)
	if shown < total {
		line += fmt.Sprintf(" (showing first %d)", shown)
	}
	if truncated {
		line += ", scan stopped at the candidate limit"
	}
	return line
}

// FormatValue renders raw bytes of the named value type. Bytes that do not
// decode are shown as hex.
func FormatValue(raw []byte, valueType string) string {
	vt, err := scanner.ParseValueType(valueType)
	if err != nil {
		return hex.EncodeToString(raw)
	}
	v, err := scanner.Decode(raw, vt)
	if err != nil {
		return hex.EncodeToString(raw)
	}
	switch val := v.(type) {
	case []byte:
		return hex.EncodeToString(val)
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// FormatStatus writes a workflow status snapshot.
func FormatStatus(w io.Writer, st message.Status) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	bold.Fprintf(w, "Workflow %s (%s)\n", state, st.Phase)

	fmt.Fprintf(w, "  %-18s %s\n", "Regions:", orDash(strings.Join(st.Regions, ", ")))
	fmt.Fprintf(w, "  %-18s %s (generation %d)\n", "Session:", st.SessionStatus, st.Generation)
	fmt.Fprintf(w, "  %-18s %d\n", "Candidates:", st.CandidateCount)
	if len(st.CurrentAddresses) > 0 {
		addrs := make([]string, len(st.CurrentAddresses))
		for i, a := range st.CurrentAddresses {
			addrs[i] = formatAddress(a)
		}
		fmt.Fprintf(w, "  %-18s %s\n", "Addresses:", strings.Join(addrs, ", "))
	}
	fmt.Fprintf(w, "  %-18s %t\n", "Breakpoints set:", st.BreakpointsSet)
	if st.LastError != "" {
		red.Fprintf(w, "  %-18s %s\n", "Last error:", st.LastError)
	}
}

// FormatBreakpoints writes the outcome of a breakpoint request. Returns the
// number of breakpoints placed.
func FormatBreakpoints(w io.Writer, set message.BreakpointSet) int {
	placed := 0
	for _, r := range set.Results {
		if r.Success {
			placed++
			green.Fprintf(w, "✓ %s breakpoint %d at %s\n", set.Type, r.ID, formatAddress(r.Address))
			continue
		}
		red.Fprintf(w, "✗ %s: %s\n", formatAddress(r.Address), r.Error)
	}
	fmt.Fprintf(w, "\n%d of %d breakpoints placed\n", placed, len(set.Results))
	return placed
}

// FormatDecompile writes a decompiled function, or the failure.
func FormatDecompile(w io.Writer, res message.DecompileResult) {
	if !res.Success {
		red.Fprintf(w, "✗ %s: %s\n", formatAddress(res.Address), res.Error)
		return
	}
	bold.Fprintf(w, "%s (%s)\n\n", orDash(res.Function), formatAddress(res.Address))
	fmt.Fprintln(w, strings.TrimRight(res.Code, "\n"))
}

// FormatDetection writes RE tool detection results as a table.
func FormatDetection(w io.Writer, results []tooldetect.Result) {
	fmt.Fprintf(w, "%-8s %-10s %-8s %-10s %s\n", "TOOL", "AVAILABLE", "RUNNING", "METHOD", "LOCATION")
	fmt.Fprintf(w, "%-8s %-10s %-8s %-10s %s\n", "--------", "----------", "--------", "----------", "----------")
	for _, r := range results {
		location := r.Address
		if location == "" {
			location = r.Path
		}
		if r.Error != "" && !r.Available {
			location = r.Error
		}
		fmt.Fprintf(w, "%-8s %-10s %-8s %-10s %s\n",
			r.Tool, yesNo(r.Available), yesNo(r.Running), orDash(r.Method), orDash(location))
	}
}

// FormatProcesses writes a process listing.
func FormatProcesses(w io.Writer, procs []scanner.ProcessInfo) {
	if len(procs) == 0 {
		fmt.Fprintln(w, "No matching processes")
		return
	}
	fmt.Fprintf(w, "%-8s %s\n", "PID", "NAME")
	for _, p := range procs {
		fmt.Fprintf(w, "%-8d %s\n", p.PID, p.Name)
	}
}

// FormatJSON writes v as pretty-printed JSON followed by a newline.
func FormatJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output to JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

func formatAddress(addr uint64) string {
	return fmt.Sprintf("0x%X", addr)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

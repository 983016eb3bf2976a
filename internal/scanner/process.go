package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ResolvePID returns the pid for target, checking that it exists. A name
// matches the process name or the base name of its executable.
func ResolvePID(ctx context.Context, target Target) (int, error) {
	if err := target.Validate(); err != nil {
		return 0, err
	}

	if target.PID != 0 {
		ok, err := process.PidExistsWithContext(ctx, int32(target.PID))
		if err != nil {
			return 0, fmt.Errorf("failed to look up %s: %w", target, err)
		}
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrProcessNotFound, target)
		}
		return target.PID, nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}
	want := strings.ToLower(target.Name)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err == nil && strings.ToLower(name) == want {
			return int(p.Pid), nil
		}
		exe, err := p.ExeWithContext(ctx)
		if err == nil && strings.ToLower(filepath.Base(exe)) == want {
			return int(p.Pid), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrProcessNotFound, target)
}

// ProcessInfo describes a running process.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// ListProcesses returns the processes whose name contains filter
// (case-insensitive). An empty filter lists everything.
func ListProcesses(ctx context.Context, filter string) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	filter = strings.ToLower(filter)
	var out []ProcessInfo
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		out = append(out, ProcessInfo{PID: int(p.Pid), Name: name})
	}
	return out, nil
}

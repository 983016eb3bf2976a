package adapter

import (
	"context"
	"fmt"
	"log"
)

// Tool names accepted in configuration.
const (
	ToolAuto  = "auto"
	ToolDelve = "delve"
	ToolIDA   = "ida"
	ToolNone  = "none"
)

// Config selects and configures the adapter.
type Config struct {
	Tool  string      `yaml:"tool"`
	Delve DelveConfig `yaml:"delve"`
	IDA   IDAConfig   `yaml:"ida"`
}

// Availability reports whether a tool can be reached right now.
type Availability interface {
	Available(ctx context.Context, tool string) bool
}

// Open builds the configured adapter. Tool "none" yields a nil adapter and no
// error. Tool "auto" asks avail, preferring IDA over Delve.
func Open(ctx context.Context, cfg Config, avail Availability) (Adapter, error) {
	tool := cfg.Tool
	if tool == "" {
		tool = ToolAuto
	}

	switch tool {
	case ToolNone:
		return nil, nil
	case ToolDelve:
		return NewDelve(cfg.Delve), nil
	case ToolIDA:
		return NewIDA(cfg.IDA), nil
	case ToolAuto:
		if avail == nil {
			return nil, ErrDetectorRequired
		}
		for _, name := range []string{ToolIDA, ToolDelve} {
			if !avail.Available(ctx, name) {
				continue
			}
			log.Printf("[Adapter] Selected %s", name)
			if name == ToolIDA {
				return NewIDA(cfg.IDA), nil
			}
			return NewDelve(cfg.Delve), nil
		}
		return nil, ErrNoToolDetected
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
}

package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

// Config selects and configures a backend.
type Config struct {
	Target    Target
	Preferred string // Backend tried before the default order
	Options   Options
	GDBStub   GDBStubConfig
}

// GDBStubConfig configures the gdbstub backend.
type GDBStubConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	Ranges  []Region      `yaml:"ranges"`
}

// Constructor builds an accessor from configuration.
type Constructor func(cfg Config) Accessor

// DefaultOrder lists backends from most to least capable.
var DefaultOrder = []string{"procmem", "gdbstub"}

// Factory tries backends in preference order.
type Factory struct {
	backends map[string]Constructor
	order    []string
}

// NewFactory returns a factory with the built-in backends.
func NewFactory() *Factory {
	f := &Factory{backends: make(map[string]Constructor), order: append([]string(nil), DefaultOrder...)}
	f.Register("procmem", func(Config) Accessor { return NewProcMem() })
	f.Register("gdbstub", func(cfg Config) Accessor {
		return NewGDBStub(cfg.GDBStub.Address, cfg.GDBStub.Timeout, cfg.GDBStub.Ranges)
	})
	return f
}

// Register adds or replaces a backend. New names are appended to the order.
func (f *Factory) Register(name string, fn Constructor) {
	if _, ok := f.backends[name]; !ok {
		found := false
		for _, n := range f.order {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			f.order = append(f.order, name)
		}
	}
	f.backends[name] = fn
}

// SetOrder replaces the default preference order.
func (f *Factory) SetOrder(order ...string) {
	f.order = append([]string(nil), order...)
}

// Backends lists the registered backend names.
func (f *Factory) Backends() []string {
	names := make([]string, 0, len(f.backends))
	for n := range f.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open connects the first backend that attaches successfully. The preferred
// backend goes first; when it fails the default order is tried.
func (f *Factory) Open(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}

	order := make([]string, 0, len(f.order)+1)
	if cfg.Preferred != "" {
		if _, ok := f.backends[cfg.Preferred]; ok {
			order = append(order, cfg.Preferred)
		} else {
			log.Printf("[Scanner] Unknown preferred backend %q, using default order", cfg.Preferred)
		}
	}
	for _, n := range f.order {
		if n != cfg.Preferred {
			order = append(order, n)
		}
	}

	var errs []error
	permission, notFound, other := false, false, false
	for _, name := range order {
		ctor, ok := f.backends[name]
		if !ok {
			continue
		}
		eng := NewEngine(ctor(cfg), cfg.Target, cfg.Options)
		err := eng.Connect(ctx)
		if err == nil {
			return eng, nil
		}
		log.Printf("[Scanner] Backend %s unavailable: %v", name, err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))

		switch {
		case errors.Is(err, ErrPermissionDenied):
			permission = true
		case errors.Is(err, ErrProcessNotFound):
			notFound = true
		case !errors.Is(err, ErrBackendUnavailable):
			other = true
		}
	}

	if permission {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, errors.Join(errs...))
	}
	// unconfigured backends never looked for the process
	if notFound && !other {
		return nil, fmt.Errorf("%w: %v", ErrProcessNotFound, errors.Join(errs...))
	}
	return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, errors.Join(errs...))
}

//go:build !linux

package scanner

import (
	"context"
	"fmt"
	"runtime"
)

// ProcMem is only implemented on Linux.
type ProcMem struct{}

// NewProcMem returns a backend that reports itself unavailable.
func NewProcMem() *ProcMem { return &ProcMem{} }

func (p *ProcMem) Name() string { return "procmem" }

func (p *ProcMem) Attach(ctx context.Context, target Target) (int, error) {
	return 0, fmt.Errorf("%w: procmem requires linux, running on %s", ErrBackendUnavailable, runtime.GOOS)
}

func (p *ProcMem) Detach() error { return nil }

func (p *ProcMem) Regions(ctx context.Context) ([]Region, error) { return nil, ErrBackendUnavailable }

func (p *ProcMem) ReadAt(addr uint64, buf []byte) (int, error) { return 0, ErrBackendUnavailable }

func (p *ProcMem) WriteAt(addr uint64, data []byte) (int, error) { return 0, ErrBackendUnavailable }

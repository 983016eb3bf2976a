//go:build linux

package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ProcMem reads and writes another process's memory with
// process_vm_readv/process_vm_writev and enumerates it from /proc/<pid>/maps.
type ProcMem struct {
	procRoot string

	mu  sync.Mutex
	pid int
}

// NewProcMem returns the Linux procfs backend.
func NewProcMem() *ProcMem {
	return &ProcMem{procRoot: "/proc"}
}

func (p *ProcMem) Name() string { return "procmem" }

// Attach resolves the target and probes one readable byte so permission
// problems surface at connect time instead of during the first scan.
func (p *ProcMem) Attach(ctx context.Context, target Target) (int, error) {
	pid, err := ResolvePID(ctx, target)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.pid = pid
	p.mu.Unlock()

	regions, err := p.Regions(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range regions {
		if !scannable(r, false) {
			continue
		}
		var probe [1]byte
		if _, err := p.ReadAt(r.Start, probe[:]); err != nil {
			if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrProcessNotFound) {
				return 0, err
			}
			continue
		}
		return pid, nil
	}
	return 0, fmt.Errorf("%w: no readable mapping in pid %d", ErrPermissionDenied, pid)
}

func (p *ProcMem) Detach() error {
	p.mu.Lock()
	p.pid = 0
	p.mu.Unlock()
	return nil
}

func (p *ProcMem) Regions(ctx context.Context) ([]Region, error) {
	pid := p.currentPID()
	f, err := os.Open(fmt.Sprintf("%s/%d/maps", p.procRoot, pid))
	if err != nil {
		return nil, classifyErrno(err, pid)
	}
	defer f.Close()
	return ParseMaps(f)
}

func (p *ProcMem) ReadAt(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	pid := p.currentPID()
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return 0, classifyErrno(err, pid)
	}
	if n < len(buf) {
		return n, fmt.Errorf("partial read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return n, nil
}

func (p *ProcMem) WriteAt(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	pid := p.currentPID()
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}

	n, err := unix.ProcessVMWritev(pid, local, remote, 0)
	if err != nil {
		return 0, classifyErrno(err, pid)
	}
	if n < len(data) {
		return n, fmt.Errorf("partial write at %#x: %d of %d bytes", addr, n, len(data))
	}
	return n, nil
}

func (p *ProcMem) currentPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// classifyErrno maps the errors procfs and process_vm_* return onto the
// scanner's connection errors.
func classifyErrno(err error, pid int) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: pid %d: %v", ErrPermissionDenied, pid, err)
	case errors.Is(err, unix.ESRCH), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: pid %d: %v", ErrProcessNotFound, pid, err)
	case errors.Is(err, unix.ENOSYS):
		return fmt.Errorf("%w: process_vm_readv not supported: %v", ErrBackendUnavailable, err)
	}
	return err
}

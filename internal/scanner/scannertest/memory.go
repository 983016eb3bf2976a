// Package scannertest provides an in-process address space for exercising
// scanners without a live target.
package scannertest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/reo/internal/scanner"
)

// ErrUnmapped is returned for accesses outside every mapping.
var ErrUnmapped = errors.New("address not mapped")

type mapping struct {
	region scanner.Region
	data   []byte
}

// Memory is a fake address space implementing scanner.Accessor.
type Memory struct {
	name string

	mu        sync.Mutex
	maps      []*mapping
	attachErr error
	attached  bool
	pid       int
	reads     int
}

// NewMemory returns an empty address space whose Attach reports pid.
func NewMemory(name string, pid int) *Memory {
	return &Memory{name: name, pid: pid}
}

// Map adds a zero-filled mapping of size bytes at start.
func (m *Memory) Map(start uint64, size int, perms, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maps = append(m.maps, &mapping{
		region: scanner.Region{Start: start, End: start + uint64(size), Perms: perms, Path: path},
		data:   make([]byte, size),
	})
	sort.Slice(m.maps, func(i, j int) bool { return m.maps[i].region.Start < m.maps[j].region.Start })
}

// Unmap removes the mapping that starts at start.
func (m *Memory) Unmap(start uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mp := range m.maps {
		if mp.region.Start == start {
			m.maps = append(m.maps[:i], m.maps[i+1:]...)
			return
		}
	}
}

// Poke writes data at addr, panicking when addr is unmapped.
func (m *Memory) Poke(addr uint64, data []byte) {
	if _, err := m.WriteAt(addr, data); err != nil {
		panic(fmt.Sprintf("scannertest: poke %#x: %v", addr, err))
	}
}

// PutInt32 stores v little-endian at addr.
func (m *Memory) PutInt32(addr uint64, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	m.Poke(addr, b[:])
}

// FailAttach makes every Attach return err.
func (m *Memory) FailAttach(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachErr = err
}

// Reads counts ReadAt calls.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Attached reports whether Attach succeeded and Detach was not called.
func (m *Memory) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Attach(ctx context.Context, target scanner.Target) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return 0, m.attachErr
	}
	m.attached = true
	return m.pid, nil
}

func (m *Memory) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = false
	return nil
}

func (m *Memory) Regions(ctx context.Context) ([]scanner.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scanner.Region, 0, len(m.maps))
	for _, mp := range m.maps {
		out = append(out, mp.region)
	}
	return out, nil
}

func (m *Memory) ReadAt(addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	mp := m.find(addr)
	if mp == nil {
		return 0, ErrUnmapped
	}
	n := copy(buf, mp.data[addr-mp.region.Start:])
	if n < len(buf) {
		return n, ErrUnmapped
	}
	return n, nil
}

func (m *Memory) WriteAt(addr uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp := m.find(addr)
	if mp == nil {
		return 0, ErrUnmapped
	}
	n := copy(mp.data[addr-mp.region.Start:], data)
	if n < len(data) {
		return n, ErrUnmapped
	}
	return n, nil
}

func (m *Memory) find(addr uint64) *mapping {
	for _, mp := range m.maps {
		if mp.region.Contains(addr) {
			return mp
		}
	}
	return nil
}

package scanner

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Region is one mapping of the target's address space.
type Region struct {
	Start  uint64 `yaml:"start" json:"start"`
	End    uint64 `yaml:"end" json:"end"` // Exclusive
	Perms  string `yaml:"perms" json:"perms"`
	Offset uint64 `yaml:"-" json:"offset,omitempty"`
	Path   string `yaml:"-" json:"path,omitempty"`
}

// Size in bytes.
func (r Region) Size() uint64 { return r.End - r.Start }

// Readable reports whether the mapping can be read.
func (r Region) Readable() bool { return strings.Contains(r.Perms, "r") }

// Writable reports whether the mapping can be written.
func (r Region) Writable() bool { return strings.Contains(r.Perms, "w") }

// Module is the base name of the backing file, if any.
func (r Region) Module() string {
	if r.Path == "" || strings.HasPrefix(r.Path, "[") {
		return ""
	}
	return filepath.Base(r.Path)
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

var mapsLine = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]+)\s+([0-9a-f]+)\s+([0-9a-f]+:[0-9a-f]+)\s+(\d+)(?:\s+(.*))?$`)

// ParseMaps reads the /proc/<pid>/maps format. Lines that do not match are
// skipped.
func ParseMaps(r io.Reader) ([]Region, error) {
	var regions []Region
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		match := mapsLine.FindStringSubmatch(sc.Text())
		if len(match) < 7 {
			continue
		}
		start, err := strconv.ParseUint(match[1], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(match[2], 16, 64)
		if err != nil {
			continue
		}
		offset, _ := strconv.ParseUint(match[4], 16, 64)
		regions = append(regions, Region{
			Start:  start,
			End:    end,
			Perms:  match[3],
			Offset: offset,
			Path:   strings.TrimSpace(match[7]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memory map: %w", err)
	}
	return regions, nil
}

// scannable reports whether the engine should search the region. Kernel
// pseudo-mappings cannot be read through process_vm_readv.
func scannable(r Region, writableOnly bool) bool {
	if !r.Readable() || r.Size() == 0 {
		return false
	}
	if writableOnly && !r.Writable() {
		return false
	}
	switch r.Path {
	case "[vvar]", "[vsyscall]", "[vvar_vclock]":
		return false
	}
	return true
}

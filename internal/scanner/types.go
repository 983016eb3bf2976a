// Package scanner finds and narrows the memory addresses that hold a value
// in a target process.
//
// A scan session is generational: InitialScan searches every readable region
// and produces generation 1, and each FilterScan re-reads only the surviving
// addresses and keeps the ones that still satisfy the comparison. The
// survivor set of a generation is always a subset of the previous one. The
// narrowing logic lives once in Engine; backends only enumerate regions and
// move bytes through the Accessor interface.
package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/reo/internal/fault"
)

var (
	ErrProcessNotFound    = fault.New(fault.Connection, "ProcessNotFound", "target process not found")
	ErrPermissionDenied   = fault.New(fault.Connection, "PermissionDenied", "permission denied accessing target process memory")
	ErrBackendUnavailable = fault.New(fault.Connection, "BackendUnavailable", "scanner backend unavailable")
	ErrNotConnected       = fault.New(fault.Precondition, "NotConnected", "scanner is not connected")
	ErrNoPriorScan        = fault.New(fault.Precondition, "NoPriorScan", "filter scan requires a prior initial scan")
	ErrInvalidScanType    = fault.New(fault.Precondition, "InvalidScanType", "scan type is not valid here")
	ErrInvalidValue       = fault.New(fault.Precondition, "InvalidValue", "value cannot be encoded as the requested type")
	ErrTypeMismatch       = fault.New(fault.Precondition, "TypeMismatch", "value type differs from the session's value type")
	ErrInvalidTarget      = fault.New(fault.Precondition, "InvalidTarget", "target needs exactly one of process name or pid")
	ErrReadFailed         = fault.New(fault.TransientIO, "ReadError", "memory read failed")
	ErrWriteFailed        = fault.New(fault.TransientIO, "WriteError", "memory write failed")
)

// ValueType is the in-memory representation of a scanned value.
type ValueType string

const (
	Int8   ValueType = "int8"
	Int16  ValueType = "int16"
	Int32  ValueType = "int32"
	Int64  ValueType = "int64"
	Uint8  ValueType = "uint8"
	Uint16 ValueType = "uint16"
	Uint32 ValueType = "uint32"
	Uint64 ValueType = "uint64"
	Float  ValueType = "float"
	Double ValueType = "double"
	String ValueType = "string"
	Bytes  ValueType = "bytes"
)

// ParseValueType accepts the canonical names plus upper-case and
// underscore-separated spellings such as "INT_32".
func ParseValueType(s string) (ValueType, error) {
	norm := strings.ToLower(strings.ReplaceAll(s, "_", ""))
	switch norm {
	case "float32":
		return Float, nil
	case "float64":
		return Double, nil
	case "str":
		return String, nil
	}
	vt := ValueType(norm)
	if vt.Size() == 0 && vt != String && vt != Bytes {
		return "", fmt.Errorf("%w: unknown value type %q", ErrInvalidValue, s)
	}
	return vt, nil
}

// Size is the fixed width in bytes, or 0 for variable-width types.
func (v ValueType) Size() int {
	switch v {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float:
		return 4
	case Int64, Uint64, Double:
		return 8
	}
	return 0
}

// Numeric reports whether values of this type can be ordered.
func (v ValueType) Numeric() bool {
	return v.Size() > 0
}

// ScanType is the comparison applied by a scan pass.
type ScanType string

const (
	Exact     ScanType = "exact"
	Greater   ScanType = "greater"
	Less      ScanType = "less"
	Changed   ScanType = "changed"
	Unchanged ScanType = "unchanged"
)

// ParseScanType validates s. The empty string means Exact.
func ParseScanType(s string) (ScanType, error) {
	st := ScanType(strings.ToLower(s))
	switch st {
	case "":
		return Exact, nil
	case Exact, Greater, Less, Changed, Unchanged:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown scan type %q", ErrInvalidScanType, s)
}

// Status summarizes a session.
type Status string

const (
	StatusEmpty         Status = "empty"
	StatusHasCandidates Status = "has_candidates"
	StatusNarrowed      Status = "narrowed"
	StatusExhausted     Status = "narrowing_exhausted"
)

// statusOf derives the session status from its generation and size.
func statusOf(generation, count int) Status {
	switch {
	case generation == 0:
		return StatusEmpty
	case count == 0:
		return StatusExhausted
	case generation == 1:
		return StatusHasCandidates
	default:
		return StatusNarrowed
	}
}

// Candidate is a still-plausible address for the tracked value.
type Candidate struct {
	Address    uint64    `json:"address"`
	Type       ValueType `json:"value_type"`
	Raw        []byte    `json:"raw"`  // Bytes read at Address during the latest pass
	Size       int       `json:"size"` // Width of the value in bytes
	Region     string    `json:"region,omitempty"`
	Module     string    `json:"module,omitempty"`
	Offset     uint64    `json:"offset,omitempty"` // Offset within the backing file, when mapped
	Protection string    `json:"protection,omitempty"`
}

// Target identifies the process to attach to: a name or a pid, never both.
type Target struct {
	Name string `yaml:"process_name" json:"process_name,omitempty"`
	PID  int    `yaml:"pid" json:"pid,omitempty"`
}

// Validate enforces name xor pid.
func (t Target) Validate() error {
	if (t.Name == "") == (t.PID == 0) {
		return ErrInvalidTarget
	}
	if t.PID < 0 {
		return fmt.Errorf("%w: negative pid %d", ErrInvalidTarget, t.PID)
	}
	return nil
}

func (t Target) String() string {
	if t.PID != 0 {
		return fmt.Sprintf("pid %d", t.PID)
	}
	return fmt.Sprintf("process %q", t.Name)
}

// SessionInfo is a snapshot of the scan session.
type SessionInfo struct {
	Target     Target    `json:"target"`
	Type       ValueType `json:"value_type,omitempty"`
	Generation int       `json:"generation"`
	Count      int       `json:"count"`
	Status     Status    `json:"status"`
	Truncated  bool      `json:"truncated,omitempty"` // Initial scan stopped at the candidate limit
}

// Info describes a scanner instance.
type Info struct {
	Backend      string   `json:"backend"`
	Target       Target   `json:"target"`
	PID          int      `json:"pid,omitempty"`
	Connected    bool     `json:"connected"`
	Capabilities []string `json:"capabilities"`
}

// Scanner is the backend-agnostic scanning contract.
type Scanner interface {
	Connect(ctx context.Context) error
	Disconnect() error
	InitialScan(ctx context.Context, value interface{}, vt ValueType, st ScanType) ([]Candidate, error)
	FilterScan(ctx context.Context, value interface{}, vt ValueType, st ScanType) ([]Candidate, error)
	ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error
	ClearScan()
	Session() SessionInfo
	Candidates() []Candidate
	Info() Info
}

// ReadError reports a failed direct read. It is never retried.
type ReadError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

// Unwrap exposes both the TransientIO classification and the cause.
func (e *ReadError) Unwrap() []error { return []error{ErrReadFailed, e.Err} }

// WriteError reports a failed direct write. It is never retried.
type WriteError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

// Unwrap exposes both the TransientIO classification and the cause.
func (e *WriteError) Unwrap() []error { return []error{ErrWriteFailed, e.Err} }

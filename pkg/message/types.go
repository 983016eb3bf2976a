package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an envelope. The set is closed.
type Type string

const (
	TypeVisualChange     Type = "visual_change"
	TypeScanRequest      Type = "scan_request"
	TypeScanResult       Type = "scan_result"
	TypeFilterRequest    Type = "filter_request"
	TypeFilterResult     Type = "filter_result"
	TypeBreakpointSet    Type = "breakpoint_set"
	TypeBreakpointHit    Type = "breakpoint_hit"
	TypeDecompileRequest Type = "decompile_request"
	TypeDecompileResult  Type = "decompile_result"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeError            Type = "error"
	TypeStatus           Type = "status"
)

var knownTypes = map[Type]struct{}{
	TypeVisualChange:     {},
	TypeScanRequest:      {},
	TypeScanResult:       {},
	TypeFilterRequest:    {},
	TypeFilterResult:     {},
	TypeBreakpointSet:    {},
	TypeBreakpointHit:    {},
	TypeDecompileRequest: {},
	TypeDecompileResult:  {},
	TypePing:             {},
	TypePong:             {},
	TypeError:            {},
	TypeStatus:           {},
}

// Valid reports whether t belongs to the closed type enum.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns every known type.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Message is the envelope exchanged between components. It is transient and
// never persisted.
type Message struct {
	ID            string          `json:"id"`                       // UUID assigned by the sender
	Type          Type            `json:"type"`                     // One of the closed type enum
	Payload       json.RawMessage `json:"payload"`                  // Type-specific structured data
	Timestamp     time.Time       `json:"timestamp"`                // UTC creation time
	Source        string          `json:"source"`                   // Sending component id (e.g. "monitor", "orchestrator")
	CorrelationID string          `json:"correlation_id,omitempty"` // Links a reply to its request
}

// New builds an envelope with a fresh ID and the payload marshalled as JSON.
// A nil payload becomes an empty object.
func New(t Type, source string, payload interface{}) (*Message, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	raw := json.RawMessage(`{}`)
	if payload != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		raw = bytes.TrimRight(buf.Bytes(), "\n")
	}

	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}, nil
}

// Reply builds a response to req. The reply carries req's correlation id, or
// req's ID when req had none.
func Reply(req *Message, t Type, source string, payload interface{}) (*Message, error) {
	msg, err := New(t, source, payload)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = req.CorrelationID
	if msg.CorrelationID == "" {
		msg.CorrelationID = req.ID
	}
	return msg, nil
}

// ErrorReply builds an error envelope answering req.
func ErrorReply(req *Message, source, code string, err error) *Message {
	payload := ErrorPayload{Code: code}
	if err != nil {
		payload.Message = err.Error()
	}
	// ErrorPayload always marshals, and TypeError is always valid
	msg, _ := Reply(req, TypeError, source, payload)
	return msg
}

// DecodePayload unmarshals the payload into v. Numbers decoded into interface
// values are kept as json.Number so 64-bit integers survive intact.
func (m *Message) DecodePayload(v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(m.Payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Rect is an axis-aligned rectangle in screen coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Area   int `json:"area,omitempty"` // Changed pixel count when the rect describes a sub-region
}

// VisualChange reports a detected change in a monitored region.
type VisualChange struct {
	RegionID    string      `json:"region_id"`
	Changed     bool        `json:"changed"`
	ChangeRatio float64     `json:"change_ratio"`
	SubRegions  []Rect      `json:"sub_regions,omitempty"`
	Value       interface{} `json:"value,omitempty"`      // Extracted value (number or text), absent when nothing was read
	ValueKind   string      `json:"value_kind,omitempty"` // "number", "text", "ratio"
	Confidence  float64     `json:"confidence,omitempty"`
	Method      string      `json:"method,omitempty"`
	Snapshot    string      `json:"snapshot,omitempty"` // Compressed grayscale snapshot of the region
	ObservedAt  time.Time   `json:"observed_at"`
}

// ScanRequest asks for an initial scan. FilterRequest shares its shape.
type ScanRequest struct {
	Value     interface{} `json:"value"`
	ValueType string      `json:"value_type"`
	ScanType  string      `json:"scan_type,omitempty"`
}

// FilterRequest asks for a filter pass over the surviving candidates.
type FilterRequest = ScanRequest

// Candidate is the wire form of a scan candidate.
type Candidate struct {
	Address   uint64 `json:"address"`
	ValueType string `json:"value_type"`
	Raw       []byte `json:"raw"`
	Size      int    `json:"size"`
	Region    string `json:"region,omitempty"`
	Module    string `json:"module,omitempty"`
}

// ScanResult reports the candidate set after a scan or filter pass.
// FilterResult shares its shape.
type ScanResult struct {
	Generation int         `json:"generation"`
	Status     string      `json:"status"`
	Count      int         `json:"count"`
	Truncated  bool        `json:"truncated,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// FilterResult reports the surviving candidate set after a filter pass.
type FilterResult = ScanResult

// BreakpointResult is the outcome of placing one breakpoint.
type BreakpointResult struct {
	Address uint64 `json:"address"`
	Success bool   `json:"success"`
	ID      int    `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BreakpointSet is both the request (Addresses only, empty means the current
// candidates) and the notification (Results filled in).
type BreakpointSet struct {
	Addresses []uint64           `json:"addresses,omitempty"`
	Type      string             `json:"type,omitempty"`
	Results   []BreakpointResult `json:"results,omitempty"`
}

// BreakpointHit reports that the target stopped at a placed breakpoint.
type BreakpointHit struct {
	Address  uint64 `json:"address"`
	ID       int    `json:"id"`
	Function string `json:"function,omitempty"`
	Exited   bool   `json:"exited,omitempty"`
}

// DecompileRequest asks the RE tool for the function containing Address.
type DecompileRequest struct {
	Address uint64 `json:"address"`
}

// DecompileResult carries the decompiled (or disassembled) function.
type DecompileResult struct {
	Address  uint64 `json:"address"`
	Success  bool   `json:"success"`
	Function string `json:"function,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrorPayload reports a failure to the sender of a request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Status is a snapshot of the workflow state.
type Status struct {
	Phase            string   `json:"phase"`
	Running          bool     `json:"running"`
	Regions          []string `json:"regions,omitempty"`
	CurrentAddresses []uint64 `json:"current_addresses,omitempty"`
	CandidateCount   int      `json:"candidate_count"`
	Generation       int      `json:"generation"`
	SessionStatus    string   `json:"session_status"`
	BreakpointsSet   bool     `json:"breakpoints_set"`
	LastError        string   `json:"last_error,omitempty"`
}

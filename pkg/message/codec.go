package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dyluth/reo/internal/fault"
)

// Delimiter terminates every frame on the wire.
const Delimiter = '\n'

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = fault.New(fault.Protocol, "MalformedMessage", "malformed message")
	// ErrUnknownType is returned for envelopes whose type is outside the enum.
	ErrUnknownType = fault.New(fault.Protocol, "UnknownMessageType", "unknown message type")
)

// Encode serializes msg as one newline-terminated frame.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	out := *msg
	if len(out.Payload) == 0 {
		out.Payload = json.RawMessage(`{}`)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode compacts the payload and appends the delimiter
	if err := enc.Encode(&out); err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one frame. A trailing delimiter (and carriage return) is
// tolerated. Unknown types yield ErrUnknownType, anything else that is not an
// envelope yields ErrMalformed.
func Decode(frame []byte) (*Message, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if len(msg.Payload) == 0 || bytes.Equal(msg.Payload, []byte("null")) {
		msg.Payload = json.RawMessage(`{}`)
	}
	return &msg, nil
}

// Write encodes msg and writes the frame to w in a single call.
func Write(w io.Writer, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", msg.Type, err)
	}
	return nil
}

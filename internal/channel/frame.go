// Package channel carries newline-framed messages between reo components:
// a loopback TCP server with a handler registry, a reconnecting client, a
// bounded inbound queue, and a Redis pub/sub bridge for event fan-out.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/pkg/message"
)

// DefaultMaxFrameBytes bounds a single frame on the wire.
const DefaultMaxFrameBytes = 4 << 20

// ErrFrameTooLarge is returned for a frame exceeding the reader's limit. The
// frame has been consumed and the reader remains usable.
var ErrFrameTooLarge = fault.New(fault.Protocol, "FrameTooLarge", "frame exceeds maximum size")

// FrameReader splits a byte stream into delimiter-terminated frames.
type FrameReader struct {
	rd  *bufio.Reader
	max int
}

// NewFrameReader reads frames of at most max bytes (excluding the delimiter)
// from r. A non-positive max selects DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &FrameReader{rd: bufio.NewReaderSize(r, 64<<10), max: max}
}

// Next returns the next non-blank frame without its delimiter. A final frame
// cut off by EOF is returned as is; the following call returns io.EOF.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		frame, err := f.next()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(frame)) > 0 {
			return frame, nil
		}
	}
}

func (f *FrameReader) next() ([]byte, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := f.rd.ReadSlice(message.Delimiter)
		if !oversized {
			if len(buf)+len(bytes.TrimRight(chunk, "\r\n")) > f.max {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, f.max)
			}
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0 && !oversized:
			return bytes.TrimRight(buf, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

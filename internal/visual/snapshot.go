package visual

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/dyluth/reo/internal/capture"
	"github.com/klauspost/compress/zstd"
)

var (
	// encoder and decoder are safe for concurrent EncodeAll/DecodeAll
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	snapshotDecoder, _ = zstd.NewReader(nil)
)

// EncodeSnapshot compresses the grayscale pixels of frame into a base64
// string small enough to ride inside a visual_change message.
func EncodeSnapshot(frame *capture.Frame) string {
	gray := frame.Gray()
	raw := make([]byte, 8, 8+len(gray))
	binary.BigEndian.PutUint32(raw[0:4], uint32(frame.Width()))
	binary.BigEndian.PutUint32(raw[4:8], uint32(frame.Height()))
	raw = append(raw, gray...)

	compressed := snapshotEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	return base64.StdEncoding.EncodeToString(compressed)
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(s string) (width, height int, gray []uint8, err error) {
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	raw, err := snapshotDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	if len(raw) < 8 {
		return 0, 0, nil, fmt.Errorf("snapshot too short: %d bytes", len(raw))
	}
	width = int(binary.BigEndian.Uint32(raw[0:4]))
	height = int(binary.BigEndian.Uint32(raw[4:8]))
	gray = raw[8:]
	if len(gray) != width*height {
		return 0, 0, nil, fmt.Errorf("snapshot size mismatch: %dx%d with %d pixels", width, height, len(gray))
	}
	return width, height, gray, nil
}

package scanner

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// maxMemPacket bounds the payload of one m/M exchange.
const maxMemPacket = 0x800

// GDBStub reads and writes memory through a GDB remote serial protocol
// server (gdbserver, QEMU's gdbstub, or any RSP-speaking debugger).
type GDBStub struct {
	addr    string
	timeout time.Duration
	ranges  []Region

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	pid  int
}

// NewGDBStub returns a backend that dials addr. ranges limit the scanned
// address space; when empty and the target pid is local, /proc/<pid>/maps is
// used instead.
func NewGDBStub(addr string, timeout time.Duration, ranges []Region) *GDBStub {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GDBStub{addr: addr, timeout: timeout, ranges: ranges}
}

func (g *GDBStub) Name() string { return "gdbstub" }

func (g *GDBStub) Attach(ctx context.Context, target Target) (int, error) {
	if g.addr == "" {
		return 0, fmt.Errorf("%w: no gdbstub address configured", ErrBackendUnavailable)
	}

	d := net.Dialer{Timeout: g.timeout}
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return 0, fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, g.addr, err)
	}

	g.mu.Lock()
	g.conn = conn
	g.rd = bufio.NewReader(conn)
	g.pid = target.PID
	g.mu.Unlock()

	// the stub must answer a halt-reason query before we trust it
	if _, err := g.exchange("?"); err != nil {
		g.Detach()
		return 0, fmt.Errorf("%w: %s did not answer: %v", ErrBackendUnavailable, g.addr, err)
	}
	return target.PID, nil
}

func (g *GDBStub) Detach() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn, g.rd = nil, nil
	return err
}

func (g *GDBStub) Regions(ctx context.Context) ([]Region, error) {
	if len(g.ranges) > 0 {
		return append([]Region(nil), g.ranges...), nil
	}
	g.mu.Lock()
	pid := g.pid
	g.mu.Unlock()
	if pid == 0 {
		return nil, fmt.Errorf("gdbstub needs configured ranges or a local pid")
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map of pid %d: %w", pid, err)
	}
	defer f.Close()
	return ParseMaps(f)
}

func (g *GDBStub) ReadAt(addr uint64, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n := len(buf) - read
		if n > maxMemPacket {
			n = maxMemPacket
		}
		resp, err := g.exchange(fmt.Sprintf("m%x,%x", addr+uint64(read), n))
		if err != nil {
			return read, err
		}
		if isErrorReply(resp) {
			return read, fmt.Errorf("stub refused read at %#x: %s", addr+uint64(read), resp)
		}
		data, err := hex.DecodeString(resp)
		if err != nil {
			return read, fmt.Errorf("invalid memory reply: %w", err)
		}
		copy(buf[read:], data)
		read += len(data)
		if len(data) < n {
			return read, fmt.Errorf("short read at %#x", addr+uint64(read))
		}
	}
	return read, nil
}

func (g *GDBStub) WriteAt(addr uint64, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n := len(data) - written
		if n > maxMemPacket {
			n = maxMemPacket
		}
		chunk := data[written : written+n]
		resp, err := g.exchange(fmt.Sprintf("M%x,%x:%s", addr+uint64(written), n, hex.EncodeToString(chunk)))
		if err != nil {
			return written, err
		}
		if resp != "OK" {
			return written, fmt.Errorf("stub refused write at %#x: %s", addr+uint64(written), resp)
		}
		written += n
	}
	return written, nil
}

// exchange sends one packet and returns the reply payload.
func (g *GDBStub) exchange(payload string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return "", ErrNotConnected
	}
	if err := g.conn.SetDeadline(time.Now().Add(g.timeout)); err != nil {
		return "", err
	}
	defer g.conn.SetDeadline(time.Time{})

	if err := g.send(payload); err != nil {
		return "", err
	}
	return g.recv()
}

// send writes $payload#cs and waits for the '+' ack, resending on '-'.
func (g *GDBStub) send(payload string) error {
	packet := fmt.Sprintf("$%s#%02x", payload, checksum(payload))
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := g.conn.Write([]byte(packet)); err != nil {
			return fmt.Errorf("failed to send packet: %w", err)
		}
		ack, err := g.rd.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read ack: %w", err)
		}
		switch ack {
		case '+':
			return nil
		case '-':
			continue
		default:
			// no-ack mode stubs answer straight away
			return g.rd.UnreadByte()
		}
	}
	return errors.New("packet rejected three times")
}

// recv reads one packet, verifies its checksum and acknowledges it.
func (g *GDBStub) recv() (string, error) {
	for {
		b, err := g.rd.ReadByte()
		if err != nil {
			return "", fmt.Errorf("failed to read reply: %w", err)
		}
		if b == '$' {
			break
		}
	}
	body, err := g.rd.ReadString('#')
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	body = strings.TrimSuffix(body, "#")

	var cs [2]byte
	if _, err := readFull(g.rd, cs[:]); err != nil {
		return "", fmt.Errorf("failed to read checksum: %w", err)
	}
	var want uint8
	if _, err := fmt.Sscanf(string(cs[:]), "%02x", &want); err != nil || want != checksum(body) {
		g.conn.Write([]byte("-"))
		return "", fmt.Errorf("checksum mismatch in reply")
	}
	g.conn.Write([]byte("+"))
	return expandRLE(body), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return i, err
		}
		buf[i] = b
	}
	return len(buf), nil
}

func checksum(s string) uint8 {
	var sum uint8
	for i := 0; i < len(s); i++ {
		sum += s[i]
	}
	return sum
}

// expandRLE undoes the protocol's run-length encoding: "x*N" repeats x
// another N-29 times.
func expandRLE(s string) string {
	if !strings.Contains(s, "*") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '*' && i > 0 && i+1 < len(s) {
			prev := s[i-1]
			for n := int(s[i+1]) - 29; n > 0; n-- {
				b.WriteByte(prev)
			}
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isErrorReply(resp string) bool {
	return resp == "" || (len(resp) == 3 && resp[0] == 'E')
}

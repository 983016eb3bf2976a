package channel

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/pkg/message"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	addr, err := srv.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(time.Second) })
	return srv, addr
}

type rawConn struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *rawConn) writeLine(line string) {
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *rawConn) send(msg *message.Message) {
	require.NoError(c.t, message.Write(c.conn, msg))
}

func (c *rawConn) read() *message.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.rd.ReadBytes('\n')
	require.NoError(c.t, err)
	msg, err := message.Decode(line)
	require.NoError(c.t, err)
	return msg
}

func TestServerPingPong(t *testing.T) {
	_, addr := startServer(t, ServerConfig{})
	c := dial(t, addr)

	ping := mustMessage(t, message.TypePing, nil)
	ping.CorrelationID = "corr-42"
	c.send(ping)

	pong := c.read()
	assert.Equal(t, message.TypePong, pong.Type)
	assert.Equal(t, "corr-42", pong.CorrelationID)
}

func TestServerDropsBadFramesAndKeepsConnection(t *testing.T) {
	_, addr := startServer(t, ServerConfig{MaxFrameBytes: 512})
	c := dial(t, addr)

	c.writeLine(`{"id":"1","type":"teleport","payload":{}}`)
	c.writeLine(`not json at all`)
	c.writeLine(`{"id":"2","payload":{}}`)
	c.writeLine(strings.Repeat("x", 2048))

	ping := mustMessage(t, message.TypePing, nil)
	c.send(ping)
	pong := c.read()
	assert.Equal(t, message.TypePong, pong.Type)
	assert.Equal(t, ping.ID, pong.CorrelationID)
}

func TestServerQueuesUnhandledTypes(t *testing.T) {
	srv, addr := startServer(t, ServerConfig{})
	c := dial(t, addr)

	change := mustMessage(t, message.TypeVisualChange, message.VisualChange{RegionID: "hp", Changed: true})
	c.send(change)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := srv.Queue().Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, change.ID, got.ID)

	var vc message.VisualChange
	require.NoError(t, got.DecodePayload(&vc))
	assert.Equal(t, "hp", vc.RegionID)
}

func TestServerHandlers(t *testing.T) {
	srv, addr := startServer(t, ServerConfig{Source: "orchestrator"})
	srv.Handle(message.TypeStatus, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return message.Reply(msg, message.TypeStatus, "orchestrator", message.Status{Phase: "idle"})
	})
	notRunning := fault.New(fault.Precondition, "NotRunning", "workflow is not running")
	srv.Handle(message.TypeFilterRequest, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return nil, notRunning
	})
	srv.Handle(message.TypeVisualChange, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return nil, nil
	})

	c := dial(t, addr)

	req := mustMessage(t, message.TypeStatus, nil)
	c.send(req)
	reply := c.read()
	assert.Equal(t, message.TypeStatus, reply.Type)
	assert.Equal(t, req.ID, reply.CorrelationID)
	var st message.Status
	require.NoError(t, reply.DecodePayload(&st))
	assert.Equal(t, "idle", st.Phase)

	// handled without reply, then a failing handler
	c.send(mustMessage(t, message.TypeVisualChange, nil))
	req = mustMessage(t, message.TypeFilterRequest, message.FilterRequest{Value: 1, ValueType: "int32"})
	c.send(req)
	reply = c.read()
	assert.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, "orchestrator", reply.Source)
	var ep message.ErrorPayload
	require.NoError(t, reply.DecodePayload(&ep))
	assert.Equal(t, "NotRunning", ep.Code)

	assert.Equal(t, 0, srv.Queue().Len())
}

func TestServerPublishReachesPeers(t *testing.T) {
	srv, addr := startServer(t, ServerConfig{})
	c := dial(t, addr)

	// a round trip guarantees the server has registered the connection
	c.send(mustMessage(t, message.TypePing, nil))
	c.read()

	event := mustMessage(t, message.TypeScanResult, message.ScanResult{Generation: 1, Count: 3})
	require.NoError(t, srv.Publish(context.Background(), event))

	got := c.read()
	assert.Equal(t, event.ID, got.ID)
}

func TestServerBindFailure(t *testing.T) {
	_, addr := startServer(t, ServerConfig{})

	_, err := NewServer(ServerConfig{Listen: addr}).Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Fatal, fault.KindOf(err))
}

func TestServerStop(t *testing.T) {
	srv := NewServer(ServerConfig{})
	addr, err := srv.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, srv.Addr())

	_, err = srv.Start(context.Background())
	assert.ErrorIs(t, err, ErrServerRunning)

	c := dial(t, addr)
	c.send(mustMessage(t, message.TypePing, nil))
	c.read()

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second), "second stop is a no-op")
	assert.Empty(t, srv.Addr())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = c.rd.ReadByte()
	assert.Error(t, err, "connection is closed on stop")

	assert.ErrorIs(t, srv.Publish(context.Background(), mustMessage(t, message.TypeStatus, nil)), ErrServerNotRunning)
}

func TestServerConcurrentStartStop(t *testing.T) {
	srv := NewServer(ServerConfig{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			srv.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			assert.NotPanics(t, func() { srv.Stop(time.Second) })
		}()
	}
	wg.Wait()

	require.NoError(t, srv.Stop(time.Second))
	assert.Empty(t, srv.Addr())

	addr, err := srv.Start(context.Background())
	require.NoError(t, err, "a stopped server starts again")
	assert.Equal(t, addr, srv.Addr())
	require.NoError(t, srv.Stop(time.Second))
}

func TestServerLimitsConnections(t *testing.T) {
	_, addr := startServer(t, ServerConfig{MaxConnections: 1})
	first := dial(t, addr)
	first.send(mustMessage(t, message.TypePing, nil))
	first.read()

	second := dial(t, addr)
	second.send(mustMessage(t, message.TypePing, nil))
	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := second.rd.ReadByte()
	assert.Error(t, err, "second connection waits for a slot")

	first.conn.Close()
	assert.Equal(t, message.TypePong, second.read().Type)
}

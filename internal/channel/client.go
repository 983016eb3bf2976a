package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/internal/metrics"
	"github.com/dyluth/reo/pkg/message"
)

var (
	ErrClientClosed   = fault.New(fault.Precondition, "ClientClosed", "message client is closed")
	ErrSendFailed     = fault.New(fault.Connection, "SendFailed", "failed to send message")
	ErrRequestTimeout = fault.New(fault.Connection, "RequestTimeout", "no reply before the deadline")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Address        string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxFrameBytes  int
	QueueSize      int // Capacity for inbound messages that answer no request
}

func (c *ClientConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Client sends messages to a Server. It connects on first use and, when a
// send fails, reconnects once before reporting the failure.
type Client struct {
	cfg   ClientConfig
	queue *Queue

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	pmu     sync.Mutex
	pending map[string]chan *message.Message
}

// NewClient returns an unconnected client for cfg.Address.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueSize),
		pending: make(map[string]chan *message.Message),
	}
}

// Queue holds messages from the server that answer no pending request.
func (c *Client) Queue() *Queue { return c.queue }

// Send writes msg, reconnecting and retrying exactly once on failure.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	frame, err := message.Encode(msg)
	if err != nil {
		return err
	}

	err = c.write(ctx, frame)
	if err == nil {
		metrics.Messages.WithLabelValues(string(msg.Type), "out").Inc()
		return nil
	}
	if errors.Is(err, ErrClientClosed) {
		return err
	}

	log.Printf("[Channel] Send of %s to %s failed, reconnecting: %v", msg.Type, c.cfg.Address, err)
	c.dropConn(nil)
	if err := c.write(ctx, frame); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrSendFailed, msg.Type, c.cfg.Address, err)
	}
	metrics.Messages.WithLabelValues(string(msg.Type), "out").Inc()
	return nil
}

// Publish is Send; it lets a Client act as an event sink.
func (c *Client) Publish(ctx context.Context, msg *message.Message) error {
	return c.Send(ctx, msg)
}

// Request sends msg and waits for the reply carrying its correlation id. The
// wait is bounded by ctx and the configured request timeout.
func (c *Client) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	ch := make(chan *message.Message, 1)
	c.pmu.Lock()
	c.pending[msg.CorrelationID] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.pmu.Unlock()
	}()

	if err := c.Send(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, msg.Type, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping round-trips a ping and returns the latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	msg, err := message.New(message.TypePing, "client", nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	reply, err := c.Request(ctx, msg)
	if err != nil {
		return 0, err
	}
	if reply.Type != message.TypePong {
		return 0, fmt.Errorf("%w: expected pong, got %s", message.ErrMalformed, reply.Type)
	}
	return time.Since(start), nil
}

// Close drops the connection. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", c.cfg.Address, err)
		}
		c.conn = conn
		go c.readLoop(conn)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// dropConn forgets conn, or whichever connection is current when conn is nil.
func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || (conn != nil && c.conn != conn) {
		return
	}
	c.conn.Close()
	c.conn = nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.dropConn(conn)
	rd := NewFrameReader(conn, c.cfg.MaxFrameBytes)
	for {
		frame, err := rd.Next()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				metrics.ProtocolErrors.Inc()
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[Channel] Connection to %s lost: %v", c.cfg.Address, err)
			}
			return
		}
		msg, err := message.Decode(frame)
		if err != nil {
			log.Printf("[Channel] Dropped frame from %s: %v", c.cfg.Address, err)
			metrics.ProtocolErrors.Inc()
			continue
		}
		metrics.Messages.WithLabelValues(string(msg.Type), "in").Inc()

		c.pmu.Lock()
		ch, ok := c.pending[msg.CorrelationID]
		c.pmu.Unlock()
		if ok && msg.CorrelationID != "" {
			select {
			case ch <- msg:
			default:
			}
			continue
		}
		c.queue.Push(msg)
	}
}

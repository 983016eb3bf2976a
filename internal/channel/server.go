package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/reo/internal/fault"
	"github.com/dyluth/reo/internal/logx"
	"github.com/dyluth/reo/internal/metrics"
	"github.com/dyluth/reo/pkg/message"
)

var (
	ErrServerRunning    = fault.New(fault.Precondition, "ServerRunning", "message server already running")
	ErrServerNotRunning = fault.New(fault.Precondition, "ServerNotRunning", "message server is not running")
)

// HandlerFunc processes one inbound message. A non-nil reply is written back
// on the same connection. A returned error is answered with an error
// envelope carrying the error's code.
type HandlerFunc func(ctx context.Context, msg *message.Message) (*message.Message, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	Listen         string        // host:port, loopback with an ephemeral port by default
	QueueSize      int           // Inbound queue capacity for unhandled messages
	MaxConnections int           // 0 means unbounded
	MaxFrameBytes  int           // Oversized frames are dropped
	WriteTimeout   time.Duration // Per-frame write deadline
	Source         string        // Source id stamped on server-built replies
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:0"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Source == "" {
		c.Source = "channel"
	}
}

// Server accepts message connections and dispatches frames by type.
type Server struct {
	cfg   ServerConfig
	queue *Queue
	sem   chan struct{}

	mu       sync.RWMutex
	handlers map[message.Type]HandlerFunc

	connMu sync.Mutex
	conns  map[*peer]struct{}

	lifeMu  sync.Mutex // serializes Start and Stop
	running atomic.Bool
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// peer serializes writes to one connection.
type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peer) write(msg *message.Message, timeout time.Duration) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return message.Write(p.conn, msg)
}

// NewServer creates a server. Call Start to bind it.
func NewServer(cfg ServerConfig) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		queue:    NewQueue(cfg.QueueSize),
		handlers: make(map[message.Type]HandlerFunc),
		conns:    make(map[*peer]struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Handle registers fn for messages of type t, replacing any previous handler.
func (s *Server) Handle(t message.Type, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = fn
}

func (s *Server) handler(t message.Type) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[t]
	return fn, ok
}

// Queue is where messages without a registered handler end up.
func (s *Server) Queue() *Queue { return s.queue }

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ln == nil || !s.running.Load() {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and launches the acceptor. It returns the bound
// address. A bind failure is fatal for the caller.
func (s *Server) Start(ctx context.Context) (string, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		return "", ErrServerRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return "", fault.Wrap(fault.Fatal, "BindFailed", fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err))
	}

	s.connMu.Lock()
	s.ln = ln
	s.connMu.Unlock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)
	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("[Channel] Message server listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Printf("[Channel] Accept failed: %v", err)
			return
		}

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-s.ctx.Done():
				conn.Close()
				return
			}
		}

		p := &peer{conn: conn}
		s.connMu.Lock()
		s.conns[p] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.serve(p)
	}
}

func (s *Server) serve(p *peer) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, p)
		s.connMu.Unlock()
		p.conn.Close()
		if s.sem != nil {
			<-s.sem
		}
	}()

	remote := p.conn.RemoteAddr().String()
	logx.Debugf("[Channel] Connection from %s", remote)

	rd := NewFrameReader(p.conn, s.cfg.MaxFrameBytes)
	for {
		frame, err := rd.Next()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				log.Printf("[Channel] Dropped frame from %s: %v", remote, err)
				metrics.ProtocolErrors.Inc()
				continue
			}
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				logx.Debugf("[Channel] Connection %s closed: %v", remote, err)
			}
			return
		}

		msg, err := message.Decode(frame)
		if err != nil {
			log.Printf("[Channel] Dropped frame from %s: %v", remote, err)
			metrics.ProtocolErrors.Inc()
			continue
		}
		metrics.Messages.WithLabelValues(string(msg.Type), "in").Inc()
		s.dispatch(p, msg)
	}
}

func (s *Server) dispatch(p *peer, msg *message.Message) {
	fn, ok := s.handler(msg.Type)
	if !ok {
		if msg.Type == message.TypePing {
			fn = s.pong
		} else {
			s.queue.Push(msg)
			return
		}
	}

	reply, err := fn(s.ctx, msg)
	if err != nil {
		log.Printf("[Channel] Handler for %s failed: %v", msg.Type, err)
		reply = message.ErrorReply(msg, s.cfg.Source, fault.Code(err), err)
	}
	if reply == nil {
		return
	}
	if err := p.write(reply, s.cfg.WriteTimeout); err != nil {
		log.Printf("[Channel] Failed to reply to %s: %v", p.conn.RemoteAddr(), err)
		return
	}
	metrics.Messages.WithLabelValues(string(reply.Type), "out").Inc()
}

func (s *Server) pong(_ context.Context, msg *message.Message) (*message.Message, error) {
	return message.Reply(msg, message.TypePong, s.cfg.Source, nil)
}

// Publish writes msg to every connected peer. Peers that fail the write are
// skipped; the error reports how many failed.
func (s *Server) Publish(_ context.Context, msg *message.Message) error {
	if !s.running.Load() {
		return ErrServerNotRunning
	}
	s.connMu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.connMu.Unlock()

	failed := 0
	for _, p := range peers {
		if err := p.write(msg, s.cfg.WriteTimeout); err != nil {
			failed++
			continue
		}
		metrics.Messages.WithLabelValues(string(msg.Type), "out").Inc()
	}
	if failed > 0 {
		return fmt.Errorf("failed to publish %s to %d of %d peers", msg.Type, failed, len(peers))
	}
	return nil
}

// Stop closes the listener and every connection, then waits up to timeout
// for connection goroutines to exit.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.ln.Close()

	s.connMu.Lock()
	for p := range s.conns {
		p.conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[Channel] Message server stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("message server did not stop within %s", timeout)
	}
}

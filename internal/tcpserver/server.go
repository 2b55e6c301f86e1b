// Package tcpserver accepts agent connections and answers each framed message with an ack.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
	"github.com/MrSnakeDoc/beacon/internal/ratelimit"
	"github.com/MrSnakeDoc/beacon/internal/utils"
)

const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxConns     = 1024

	maxAcceptErrors = 10
	maxAcceptDelay  = 2 * time.Second
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("tcpserver: server closed")

// Processor turns one validated message into an acknowledgment.
type Processor interface {
	Process(ctx context.Context, msg *protocol.Message) protocol.Ack
}

// Config tunes the listener.
type Config struct {
	Addr         string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
	// MaxConns caps concurrently open connections. Zero means DefaultMaxConns.
	MaxConns int
	// Limit throttles new connections per source IP.
	Limit ratelimit.Config
}

// Server owns the listener and one goroutine per connection.
type Server struct {
	cfg       Config
	processor Processor
	health    *metrics.Health
	logger    logger.Logger
	limiter   *ratelimit.Keyed

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	active  atomic.Int64
	closing atomic.Bool
	wg      sync.WaitGroup

	// ctx outlives Shutdown's drain so in-flight messages finish their registry write.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a server; call Listen then Serve.
func New(cfg Config, proc Processor, health *metrics.Health, log logger.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		processor: proc,
		health:    health,
		logger:    log,
		limiter:   ratelimit.New(cfg.Limit),
		conns:     make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.setHealth(false, err.Error())
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.setHealth(true, "listening on "+ln.Addr().String())
	s.logger.Info("tcp listener started", logger.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown or too many consecutive accept errors.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	consecutiveErrors := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			consecutiveErrors++
			if consecutiveErrors >= maxAcceptErrors {
				s.setHealth(false, "accept failing: "+err.Error())
				return fmt.Errorf("accept failed %d times in a row: %w", consecutiveErrors, err)
			}
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("accept error",
				logger.Error(err),
				logger.Int("consecutive", consecutiveErrors),
				logger.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-s.done:
				return ErrServerClosed
			}
			continue
		}
		consecutiveErrors = 0

		if reason, ok := s.admit(conn); !ok {
			metrics.RejectedConnections.WithLabelValues(reason).Inc()
			s.logger.Debug("connection rejected",
				logger.String("remote", conn.RemoteAddr().String()),
				logger.String("reason", reason))
			utils.Close(conn)
			continue
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// admit applies shutdown, the connection cap and the per-IP rate, and tracks the conn.
func (s *Server) admit(conn net.Conn) (string, bool) {
	if s.closing.Load() {
		return "shutting_down", false
	}
	if s.active.Load() >= int64(s.cfg.MaxConns) {
		return "max_connections", false
	}
	ip := utils.ParseHostNoPort(conn.RemoteAddr().String())
	if !s.limiter.Allow(ip, time.Now()) {
		return "rate_limited", false
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.active.Add(1)
	metrics.ActiveConnections.Inc()
	return "", true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Add(-1)
	metrics.ActiveConnections.Dec()
}

// Active is the number of open connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Shutdown stops accepting, lets messages already read finish their ack,
// then closes idle connections. Connections still busy when ctx expires are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.listener != nil {
		utils.Close(s.listener)
	}
	s.setHealth(false, "shutting down")

	// Unblock reads; a handler between messages sees closing and exits.
	s.mu.Lock()
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.mu.Lock()
		for c := range s.conns {
			utils.Close(c)
		}
		s.mu.Unlock()
		s.cancel()
		<-drained
	}
	s.cancel()
	s.logger.Info("tcp listener stopped")
	return err
}

func (s *Server) setHealth(healthy bool, msg string) {
	if s.health != nil {
		s.health.Set(metrics.ComponentTCP, healthy, msg)
	}
}

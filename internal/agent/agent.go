// Package agent is the client side of the registration protocol: it registers a host
// and keeps it alive with heartbeats, reconnecting when the server goes away.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
	"github.com/MrSnakeDoc/beacon/internal/scheduler"
	"github.com/MrSnakeDoc/beacon/internal/utils"
)

// Config describes one agent.
type Config struct {
	ServerAddr string
	Hostname   string
	// IPAddress is reported as-is; empty means the local address of each connection.
	IPAddress   string
	Interval    time.Duration
	DialTimeout time.Duration
	AckTimeout  time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// ErrRejected wraps an error ack the agent cannot recover from by resending.
var ErrRejected = errors.New("server rejected message")

// Agent keeps one host registered.
type Agent struct {
	cfg    Config
	logger logger.Logger
	seq    uint64
	// acks observes every acknowledgment received; nil in production.
	acks func(protocol.Ack)
}

// New validates the configuration and returns an agent.
func New(cfg Config, log logger.Logger) (*Agent, error) {
	name, err := domain.NormalizeHostname(cfg.Hostname)
	if err != nil {
		return nil, err
	}
	cfg.Hostname = name

	if cfg.IPAddress != "" {
		ip, err := domain.NormalizeIP(cfg.IPAddress)
		if err != nil {
			return nil, err
		}
		cfg.IPAddress = ip
	}
	if cfg.ServerAddr == "" {
		return nil, errors.New("server address is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}

	return &Agent{
		cfg:    cfg,
		logger: log.With(logger.String("hostname", name), logger.String("server", cfg.ServerAddr)),
	}, nil
}

// Run keeps a session open until ctx is cancelled, reconnecting with capped
// exponential backoff. It returns early only on ErrRejected.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			a.logger.Error("server rejected agent", logger.Error(err))
			return err
		}
		if established {
			attempt = 0
		}
		attempt++

		wait := scheduler.Backoff(attempt, a.cfg.RetryBase, a.cfg.RetryMax, rand.Float64)
		a.logger.Warn("connection lost, reconnecting",
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", wait),
			logger.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session dials, registers and heartbeats until an error or ctx ends.
// established reports whether the registration was acknowledged.
func (a *Agent) session(ctx context.Context) (established bool, err error) {
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.ServerAddr)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer utils.Close(conn)

	// Unblock reads when the caller stops the agent.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	ip := a.cfg.IPAddress
	if ip == "" {
		if ip, err = localIP(conn); err != nil {
			return false, err
		}
	}

	ack, err := a.exchange(conn, protocol.KindRegister, ip)
	if err != nil {
		return false, err
	}
	if err := checkAck(ack); err != nil {
		return false, err
	}
	a.logger.Info("registered", logger.String("ip", ip), logger.String("result", ack.String()))

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
		}

		if a.cfg.IPAddress == "" {
			if ip, err = localIP(conn); err != nil {
				return true, err
			}
		}

		ack, err := a.exchange(conn, protocol.KindHeartbeat, ip)
		if err != nil {
			return true, err
		}

		switch {
		case ack.Result == protocol.ResultError && ack.Reason == protocol.ReasonUnknownHost:
			a.logger.Warn("server forgot this host, registering again")
			if ack, err = a.exchange(conn, protocol.KindRegister, ip); err != nil {
				return true, err
			}
			if err := checkAck(ack); err != nil {
				return true, err
			}
		case ack.Result == protocol.ResultError && ack.Reason == protocol.ReasonRegistry:
			a.logger.Warn("server could not record heartbeat", logger.String("result", ack.String()))
		case ack.Result == protocol.ResultError:
			return true, checkAck(ack)
		case ack.Result == protocol.ResultIPChange:
			a.logger.Info("address change acknowledged", logger.String("ip", ip))
		default:
			a.logger.Debug("heartbeat acknowledged", logger.String("result", ack.String()))
		}
	}
}

// exchange sends one message and waits for its acknowledgment.
func (a *Agent) exchange(conn net.Conn, kind protocol.Kind, ip string) (protocol.Ack, error) {
	a.seq++
	seq := a.seq
	payload, err := protocol.EncodeMessage(&protocol.Message{
		Type:      kind,
		Hostname:  a.cfg.Hostname,
		IPAddress: ip,
		Seq:       &seq,
	})
	if err != nil {
		return protocol.Ack{}, err
	}

	_ = conn.SetDeadline(time.Now().Add(a.cfg.AckTimeout))
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return protocol.Ack{}, fmt.Errorf("send %s: %w", kind, err)
	}
	data, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("read ack: %w", err)
	}
	ack, err := protocol.DecodeAck(data)
	if err != nil {
		return protocol.Ack{}, err
	}
	if ack.Seq != nil && *ack.Seq != seq {
		return protocol.Ack{}, fmt.Errorf("ack for seq %d, expected %d", *ack.Seq, seq)
	}
	if a.acks != nil {
		a.acks(ack)
	}
	return ack, nil
}

// checkAck turns error acks into errors. Registry hiccups are retried by
// reconnecting; anything else means this agent's input is wrong.
func checkAck(ack protocol.Ack) error {
	if ack.Result != protocol.ResultError {
		return nil
	}
	switch ack.Reason {
	case protocol.ReasonRegistry, protocol.ReasonShuttingDown:
		return fmt.Errorf("server error: %s", ack.String())
	default:
		return fmt.Errorf("%w: %s", ErrRejected, ack.String())
	}
}

func localIP(conn net.Conn) (string, error) {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return domain.NormalizeIP(addr.IP.String())
}

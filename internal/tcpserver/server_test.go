package tcpserver

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/processor"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
	"github.com/MrSnakeDoc/beacon/internal/ratelimit"
	"github.com/MrSnakeDoc/beacon/internal/registry"
	"github.com/MrSnakeDoc/beacon/internal/sources/placement"
	"github.com/MrSnakeDoc/beacon/internal/store/memory"
)

func start(t *testing.T, cfg Config, proc Processor) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, proc, metrics.NewHealth(), logger.NewNop())
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		select {
		case err := <-served:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return srv
}

func realProcessor(t *testing.T) (*processor.Processor, *registry.Registry) {
	t.Helper()
	reg := registry.New(memory.New(), logger.NewNop())
	rules := placement.Static("dyn.example.com.", 60)
	return processor.New(reg, rules, 0, logger.NewNop()), reg
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func send(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(conn, []byte(payload)))
}

func readAck(t *testing.T, conn net.Conn) protocol.Ack {
	t.Helper()
	data, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	ack, err := protocol.DecodeAck(data)
	require.NoError(t, err)
	return ack
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection still open")
	}
}

func TestRegisterThenHeartbeat(t *testing.T) {
	proc, reg := realProcessor(t)
	srv := start(t, Config{}, proc)
	conn := dial(t, srv)

	send(t, conn, `{"type":"REGISTER","hostname":"a1","ip_address":"10.0.0.1","seq":1}`)
	ack := readAck(t, conn)
	assert.Equal(t, protocol.ResultNewRegistration, ack.Result)
	assert.Equal(t, "a1", ack.Hostname)
	require.NotNil(t, ack.Seq)
	assert.Equal(t, uint64(1), *ack.Seq)

	send(t, conn, `{"type":"HEARTBEAT","hostname":"a1"}`)
	assert.Equal(t, protocol.ResultHeartbeatOnly, readAck(t, conn).Result)

	send(t, conn, `{"type":"HEARTBEAT","hostname":"a1","ip_address":"10.0.0.2"}`)
	assert.Equal(t, protocol.ResultIPChange, readAck(t, conn).Result)

	h, err := reg.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", h.IPAddress)
}

func TestProtocolErrorsCloseConnection(t *testing.T) {
	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, 1<<16)

	tests := []struct {
		name   string
		raw    []byte
		reason string
	}{
		{name: "malformed json", raw: frameOf(`{"type":`), reason: protocol.ReasonMalformed},
		{name: "unknown type", raw: frameOf(`{"type":"PING","hostname":"a1"}`), reason: protocol.ReasonUnknownType},
		{name: "invalid hostname", raw: frameOf(`{"type":"HEARTBEAT","hostname":"-bad-"}`), reason: protocol.ReasonInvalidHostname},
		{name: "invalid ip", raw: frameOf(`{"type":"REGISTER","hostname":"a1","ip_address":"10.0.0"}`), reason: protocol.ReasonInvalidIP},
		{name: "register without ip", raw: frameOf(`{"type":"REGISTER","hostname":"a1"}`), reason: protocol.ReasonMissingIP},
		{name: "oversized frame", raw: oversized, reason: protocol.ReasonFrameTooLarge},
		{name: "empty frame", raw: []byte{0, 0, 0, 0}, reason: protocol.ReasonEmptyFrame},
	}

	proc, reg := realProcessor(t)
	srv := start(t, Config{MaxFrameSize: 1024}, proc)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.ProtocolErrors.WithLabelValues(tt.reason))

			conn := dial(t, srv)
			_, err := conn.Write(tt.raw)
			require.NoError(t, err)

			ack := readAck(t, conn)
			assert.Equal(t, protocol.ResultError, ack.Result)
			assert.Equal(t, tt.reason, ack.Reason)
			assertClosed(t, conn)

			assert.Equal(t, before+1, testutil.ToFloat64(metrics.ProtocolErrors.WithLabelValues(tt.reason)))
		})
	}

	hosts, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hosts, "malformed input must not touch the registry")
}

func TestHostnameSwitchIsRejected(t *testing.T) {
	proc, reg := realProcessor(t)
	srv := start(t, Config{}, proc)
	conn := dial(t, srv)

	send(t, conn, `{"type":"REGISTER","hostname":"a1","ip_address":"10.0.0.1"}`)
	assert.Equal(t, protocol.ResultNewRegistration, readAck(t, conn).Result)

	send(t, conn, `{"type":"REGISTER","hostname":"b2","ip_address":"10.0.0.2","seq":9}`)
	ack := readAck(t, conn)
	assert.Equal(t, "error:"+protocol.ReasonHostnameMismatch, ack.String())
	assert.Equal(t, "a1", ack.Hostname)
	require.NotNil(t, ack.Seq)
	assertClosed(t, conn)

	_, err := reg.Get(context.Background(), "b2")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestHostnameBindingIsCaseInsensitive(t *testing.T) {
	proc, _ := realProcessor(t)
	srv := start(t, Config{}, proc)
	conn := dial(t, srv)

	send(t, conn, `{"type":"REGISTER","hostname":"A1","ip_address":"10.0.0.1"}`)
	assert.Equal(t, protocol.ResultNewRegistration, readAck(t, conn).Result)
	send(t, conn, `{"type":"HEARTBEAT","hostname":"a1"}`)
	assert.Equal(t, protocol.ResultHeartbeatOnly, readAck(t, conn).Result)
}

// stubProcessor answers with a fixed ack and can block until released.
type stubProcessor struct {
	ack     protocol.Ack
	entered chan struct{}
	release chan struct{}
}

func (p *stubProcessor) Process(_ context.Context, msg *protocol.Message) protocol.Ack {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	ack := p.ack
	ack.Hostname = msg.Hostname
	ack.Seq = msg.Seq
	return ack
}

func TestProcessorErrorKeepsConnectionOpen(t *testing.T) {
	proc := &stubProcessor{ack: protocol.Ack{Result: protocol.ResultError, Reason: protocol.ReasonRegistry}}
	srv := start(t, Config{}, proc)
	conn := dial(t, srv)

	for i := 0; i < 3; i++ {
		send(t, conn, `{"type":"HEARTBEAT","hostname":"a1"}`)
		assert.Equal(t, "error:"+protocol.ReasonRegistry, readAck(t, conn).String())
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	proc, reg := realProcessor(t)
	srv := start(t, Config{IdleTimeout: 100 * time.Millisecond}, proc)
	conn := dial(t, srv)

	send(t, conn, `{"type":"REGISTER","hostname":"a1","ip_address":"10.0.0.1"}`)
	readAck(t, conn)

	assertClosed(t, conn)
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 10*time.Millisecond)

	h, err := reg.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, h.Status, "idle timeout must not change host status")
}

func TestMaxConnsRejectsExcess(t *testing.T) {
	proc, _ := realProcessor(t)
	srv := start(t, Config{MaxConns: 1}, proc)
	before := testutil.ToFloat64(metrics.RejectedConnections.WithLabelValues("max_connections"))

	first := dial(t, srv)
	send(t, first, `{"type":"REGISTER","hostname":"a1","ip_address":"10.0.0.1"}`)
	readAck(t, first)

	second := dial(t, srv)
	assertClosed(t, second)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RejectedConnections.WithLabelValues("max_connections")))

	send(t, first, `{"type":"HEARTBEAT","hostname":"a1"}`)
	assert.Equal(t, protocol.ResultHeartbeatOnly, readAck(t, first).Result)
}

func TestPerIPRateLimit(t *testing.T) {
	proc, _ := realProcessor(t)
	srv := start(t, Config{Limit: ratelimit.Config{PerSecond: 0.001, Burst: 2}}, proc)
	before := testutil.ToFloat64(metrics.RejectedConnections.WithLabelValues("rate_limited"))

	for i := 0; i < 2; i++ {
		conn := dial(t, srv)
		send(t, conn, `{"type":"HEARTBEAT","hostname":"a1","ip_address":"10.0.0.1"}`)
		readAck(t, conn)
	}

	third := dial(t, srv)
	assertClosed(t, third)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RejectedConnections.WithLabelValues("rate_limited")))
}

func TestShutdownLetsInFlightAckFinish(t *testing.T) {
	proc := &stubProcessor{
		ack:     protocol.Ack{Result: protocol.ResultHeartbeatOnly},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	srv := New(Config{Addr: "127.0.0.1:0"}, proc, metrics.NewHealth(), logger.NewNop())
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	busy := dial(t, srv)
	idle := dial(t, srv)
	send(t, busy, `{"type":"HEARTBEAT","hostname":"a1"}`)
	<-proc.entered

	var wg sync.WaitGroup
	wg.Add(1)
	var shutdownErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr = srv.Shutdown(ctx)
	}()

	assertClosed(t, idle)
	close(proc.release)

	assert.Equal(t, protocol.ResultHeartbeatOnly, readAck(t, busy).Result)
	assertClosed(t, busy)

	wg.Wait()
	assert.NoError(t, shutdownErr)
	assert.Equal(t, 0, srv.Active())

	_, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestShutdownForcesAfterDeadline(t *testing.T) {
	proc := &stubProcessor{
		ack:     protocol.Ack{Result: protocol.ResultHeartbeatOnly},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	srv := New(Config{Addr: "127.0.0.1:0"}, proc, metrics.NewHealth(), logger.NewNop())
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	conn := dial(t, srv)
	send(t, conn, `{"type":"HEARTBEAT","hostname":"a1"}`)
	<-proc.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()

	// Shutdown waits for the stuck handler to unwind after the forced close.
	time.Sleep(100 * time.Millisecond)
	close(proc.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func frameOf(payload string) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

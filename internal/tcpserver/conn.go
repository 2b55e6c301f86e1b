package tcpserver

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
	"github.com/MrSnakeDoc/beacon/internal/utils"
)

// session is the per-connection state. Hostname is bound by the first valid message.
type session struct {
	conn     net.Conn
	log      logger.Logger
	hostname string
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.release(conn)
	defer utils.Close(conn)

	sess := &session{
		conn: conn,
		log: s.logger.With(
			logger.String("conn_id", uuid.NewString()),
			logger.String("remote", conn.RemoteAddr().String())),
	}
	sess.log.Debug("connection opened")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if s.closing.Load() {
			sess.log.Debug("closing connection for shutdown")
			return
		}

		payload, err := protocol.ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			s.readFailed(sess, err)
			return
		}

		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			s.reject(sess, protocol.ReasonOf(err), nil, err)
			return
		}

		if sess.hostname == "" {
			sess.hostname = msg.Hostname
			sess.log = sess.log.With(logger.String("hostname", msg.Hostname))
		} else if msg.Hostname != sess.hostname {
			s.reject(sess, protocol.ReasonHostnameMismatch, msg.Seq,
				errors.New("connection already bound to "+sess.hostname+", got "+msg.Hostname))
			return
		}

		ack := s.processor.Process(s.ctx, msg)
		if err := s.writeAck(sess, ack); err != nil {
			sess.log.Debug("failed to write ack", logger.Error(err))
			return
		}
	}
}

// readFailed sorts read errors into a clean close, an idle timeout, or a protocol error.
func (s *Server) readFailed(sess *session, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		sess.log.Debug("connection closed by peer")
	case errors.As(err, &netErr) && netErr.Timeout():
		if s.closing.Load() {
			sess.log.Debug("closing connection for shutdown")
			return
		}
		sess.log.Debug("idle timeout", logger.Duration("idle", s.cfg.IdleTimeout))
	case errors.Is(err, io.ErrUnexpectedEOF):
		sess.log.Debug("connection closed mid-frame")
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrEmptyFrame):
		s.reject(sess, protocol.ReasonOf(err), nil, err)
	default:
		sess.log.Debug("read failed", logger.Error(err))
	}
}

// reject answers a protocol violation with an error ack; the caller closes the connection.
func (s *Server) reject(sess *session, reason string, seq *uint64, cause error) {
	metrics.ProtocolErrors.WithLabelValues(reason).Inc()
	sess.log.Info("protocol error, closing connection",
		logger.String("reason", reason),
		logger.Error(cause))

	ack := protocol.Ack{
		Result:   protocol.ResultError,
		Reason:   reason,
		Hostname: sess.hostname,
		Seq:      seq,
	}
	if err := s.writeAck(sess, ack); err != nil {
		sess.log.Debug("failed to write error ack", logger.Error(err))
	}
}

func (s *Server) writeAck(sess *session, ack protocol.Ack) error {
	data, err := protocol.EncodeAck(ack)
	if err != nil {
		return err
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return protocol.WriteFrame(sess.conn, data)
}

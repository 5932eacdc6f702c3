package tcp

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/pkg/retry"
)

// Peer-visible error notices.
const (
	BusyMessage = "another client is already connected"
	BusyCode    = 503

	AuthFailedReason = "authentication failed"

	ProtocolErrorCode = 400
)

const ackRetryDelay = 50 * time.Millisecond

// SessionState is the position of a session in its state machine.
type SessionState int32

// Session states
const (
	StateConnecting SessionState = iota
	StateTLSHandshake
	StateAwaitingResponse
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type session struct {
	id       string
	l        *Listener
	raw      net.Conn
	conn     net.Conn // raw, or the TLS conn wrapping it
	remote   string
	host     string
	opened   time.Time
	logger   *slog.Logger
	admitted bool // guarded by l.mu

	state     atomic.Int32
	closeOnce sync.Once
	endState  SessionState
}

func newSession(l *Listener, conn net.Conn) *session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	return &session{
		id:     id,
		l:      l,
		raw:    conn,
		conn:   conn,
		remote: remote,
		host:   hostOf(remote),
		opened: l.clock.Now(),
		logger: l.logger.With("session", id, "remote", remote),
	}
}

func (s *session) State() SessionState { return SessionState(s.state.Load()) }

// setState moves to next unless the session was closed concurrently.
func (s *session) setState(next SessionState) bool {
	for {
		cur := s.state.Load()
		if SessionState(cur) == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.logger.Debug("Session state changed", "from", SessionState(cur).String(), "to", next.String())
			return true
		}
	}
}

func (s *session) info() SessionInfo {
	return SessionInfo{ID: s.id, RemoteAddr: s.remote, State: s.State(), Opened: s.opened}
}

func (s *session) run(ctx context.Context) {
	defer func() {
		s.close()
		s.l.metrics.SessionClosed(s.endState.String(), s.l.clock.Since(s.opened))
		s.logger.Info("Session closed", "last_state", s.endState.String())
	}()

	if s.l.tls != nil {
		if !s.setState(StateTLSHandshake) {
			return
		}
		if err := s.handshake(ctx); err != nil {
			s.l.metrics.RecordConnection("tls_failed")
			s.logger.Warn("TLS handshake failed", "error", err)
			return
		}
	}

	if !s.setState(StateAwaitingResponse) {
		return
	}
	if err := s.authenticate(); err != nil {
		if stderrors.Is(err, errors.ErrSessionLimit) {
			s.logger.Warn("Session limit reached, rejecting client", "max_sessions", s.l.cfg.MaxSessions)
			return
		}
		s.logger.Warn("Authentication failed", "error", err)
		return
	}
	if !s.setState(StateAuthenticated) {
		return
	}
	s.logger.Info("Client authenticated")
	s.serve(ctx)
}

func (s *session) handshake(ctx context.Context) error {
	tc := tls.Server(s.raw, s.l.tls)
	_ = s.raw.SetDeadline(time.Now().Add(s.l.cfg.AuthTimeout))
	if err := tc.HandshakeContext(ctx); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "tcp-session", "handshake", "TLS handshake")
	}
	_ = s.raw.SetDeadline(time.Time{})
	s.conn = tc
	return nil
}

// authenticate runs one challenge-response exchange.
func (s *session) authenticate() error {
	ch, err := s.l.auth.Issue()
	if err != nil {
		_ = s.send(message.New(message.AuthFailed{Reason: AuthFailedReason}))
		return err
	}
	if err := s.send(message.New(ch.Message())); err != nil {
		s.l.auth.Discard(ch.Value)
		return err
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.l.cfg.AuthTimeout))
	m, err := message.ReadMessage(s.conn)
	if err != nil {
		s.l.auth.Discard(ch.Value)
		switch {
		case isTimeout(err):
			s.l.metrics.RecordAuth("tcp", false)
			_ = s.send(message.New(message.AuthFailed{Reason: AuthFailedReason}))
			return errors.WrapFatal(fmt.Errorf("%w: no response within %s", errors.ErrAuth, s.l.cfg.AuthTimeout),
				"tcp-session", "authenticate", "await response")
		case stderrors.As(err, new(*message.DecodeError)) || stderrors.Is(err, errors.ErrProtocol):
			_ = s.send(message.New(message.NewError("invalid authentication response", ProtocolErrorCode)))
			return err
		default:
			return err
		}
	}

	resp, ok := m.Payload.(message.AuthResponse)
	if !ok {
		s.l.auth.Discard(ch.Value)
		_ = s.send(message.New(message.NewError("expected auth_response", ProtocolErrorCode)))
		return errors.WrapFatal(fmt.Errorf("%w: got %s while awaiting auth_response", errors.ErrProtocol, m.Type),
			"tcp-session", "authenticate", "check message type")
	}

	if !s.l.auth.Verify(ch.Value, resp.Response) {
		s.l.metrics.RecordAuth("tcp", false)
		_ = s.send(message.New(message.AuthFailed{Reason: AuthFailedReason}))
		return errors.WrapFatal(errors.ErrAuth, "tcp-session", "authenticate", "verify response")
	}

	s.l.metrics.RecordAuth("tcp", true)

	// only authenticated clients hold a MaxSessions slot
	if !s.l.admit(s) {
		s.l.rejected.Add(1)
		s.l.metrics.RecordConnection("busy")
		_ = s.send(message.New(message.NewError(BusyMessage, BusyCode)))
		return errors.WrapFatal(errors.ErrSessionLimit, "tcp-session", "authenticate", "admit session")
	}
	s.l.metrics.RecordConnection("accepted")
	return s.send(message.New(message.AuthSuccess{}))
}

// serve handles an authenticated connection until it fails, goes quiet or is
// closed.
func (s *session) serve(ctx context.Context) {
	lastHeartbeat := time.Now()
	for {
		_ = s.conn.SetReadDeadline(lastHeartbeat.Add(s.l.cfg.HeartbeatTimeout))
		m, err := message.ReadMessage(s.conn)
		if err != nil {
			var de *message.DecodeError
			switch {
			case stderrors.As(err, &de) && de.Kind == message.UnknownType:
				s.l.metrics.RecordDropped("tcp", "unknown_type")
				s.logger.Debug("Dropping message of unknown type", "type", de.Type)
				continue
			case stderrors.Is(err, errors.ErrProtocol):
				s.l.errors.Add(1)
				s.logger.Warn("Protocol error", "error", err)
				_ = s.send(message.New(message.NewError("protocol error", ProtocolErrorCode)))
			case stderrors.Is(err, io.EOF):
				s.logger.Info("Client disconnected")
			case isTimeout(err):
				s.logger.Info("Heartbeat timeout", "timeout", s.l.cfg.HeartbeatTimeout)
			case s.State() == StateClosed:
			default:
				s.l.errors.Add(1)
				s.logger.Warn("Transport error", "error", err)
			}
			return
		}

		s.l.metrics.RecordMessageReceived("tcp", string(m.Type))
		s.l.lastActivity.Store(s.l.clock.Now())

		switch p := m.Payload.(type) {
		case message.Heartbeat:
			lastHeartbeat = time.Now()
			if err := s.ackHeartbeat(ctx); err != nil {
				s.logger.Warn("Heartbeat ack failed", "error", err)
				return
			}
		case message.Input:
			s.handleInput(ctx, m.Timestamp, p)
		default:
			s.logger.Warn("Unexpected message in authenticated session", "type", m.Type)
			_ = s.send(message.New(message.NewError(fmt.Sprintf("unexpected message type %s", m.Type), ProtocolErrorCode)))
			return
		}
	}
}

func (s *session) handleInput(ctx context.Context, ts time.Time, in message.Input) {
	if s.l.msgLimiter != nil && !s.l.msgLimiter.Allow(s.host, s.l.clock.Now()) {
		s.l.metrics.RecordDropped("tcp", "rate_limited")
		return
	}
	clean, err := s.l.policy.Apply(in)
	if err != nil {
		s.l.metrics.RecordDropped("tcp", "invalid")
		s.logger.Warn("Dropping invalid input", "error", err)
		return
	}
	s.l.inputs.Add(1)
	if !s.l.arbiter.Offer(ctx, s.remote, clean, ts) {
		s.l.metrics.RecordDropped("tcp", "stale")
	}
}

// ackHeartbeat retries a transient write failure once before giving up on the
// session.
func (s *session) ackHeartbeat(ctx context.Context) error {
	cfg := retry.Once(ackRetryDelay)
	cfg.Clock = s.l.clock
	return retry.Do(ctx, cfg, func() error {
		err := s.send(message.New(message.HeartbeatAck{}))
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

func (s *session) send(m message.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.l.cfg.AuthTimeout))
	return message.WriteMessage(s.conn, m)
}

// close is idempotent and safe to call from any goroutine. It unblocks a
// pending read and releases the arbiter if this client was active.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.endState = SessionState(s.state.Swap(int32(StateClosed)))
		_ = s.raw.Close()
		if s.endState == StateAuthenticated {
			s.l.arbiter.Release(context.Background(), s.remote)
		}
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

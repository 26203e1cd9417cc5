package jsonrpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pkarhunen/wireline/internal/poll"
	"github.com/pkarhunen/wireline/internal/reconnect"
	"github.com/pkarhunen/wireline/internal/stream"
)

// probeID is the request id reserved for liveness probes. A Reply carrying
// it is absorbed by the session and never delivered, so callers must not
// use the JSON string "echo" as an id of their own. Changing it to a
// collision-proof value would break peers that implement the same
// convention, so it stays.
var probeID = json.RawMessage(`"echo"`)

// Session maintains an always-available logical JSON-RPC connection: it
// dials the target, answers echo requests, probes a silent peer, and
// reconnects with exponential backoff when the connection dies.
//
// Seqno increments on every connectivity transition. Callers that cache
// state derived from the connection compare Seqno against a previously
// observed value to learn that the stream underneath them was replaced.
type Session struct {
	fsm     *reconnect.Controller
	conn    *Conn         // active connection
	stream  stream.Stream // dial in progress; mutually exclusive with conn
	seqno   uint64
	dial    func(name string) (stream.Stream, error)
	log     *slog.Logger
	warnLim *rate.Limiter
}

// OpenSession creates a session that keeps a connection to the given target
// alive. now seeds the reconnect schedule; a nil logger falls back to
// slog.Default.
func OpenSession(name string, now time.Time, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	fsm := reconnect.New(now)
	fsm.SetName(name)
	fsm.Enable(now)
	return &Session{
		fsm:     fsm,
		dial:    stream.Open,
		log:     logger.With(slog.String("session", name)),
		warnLim: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// OpenUnreliableSession is like OpenSession but gives up for good once the
// connection fails: the controller is configured to never reconnect.
func OpenUnreliableSession(st stream.Stream, now time.Time, logger *slog.Logger) *Session {
	s := OpenSession(st.Name(), now, logger)
	s.fsm.SetMaxTries(0)
	s.conn = NewConn(st, logger)
	s.fsm.Connected(now)
	s.seqno++
	return s
}

// Name returns the session's target.
func (s *Session) Name() string { return s.fsm.Name() }

// Seqno returns the connectivity sequence number. It never decreases.
func (s *Session) Seqno() uint64 { return s.seqno }

// Connected reports whether an established connection is active.
func (s *Session) Connected() bool { return s.conn != nil }

// SetMaxTries bounds the remaining connection attempts.
func (s *Session) SetMaxTries(n int) { s.fsm.SetMaxTries(n) }

// ForceReconnect makes the next Run tear the connection down; the Run after
// that redials without a backoff wait.
func (s *Session) ForceReconnect(now time.Time) { s.fsm.ForceReconnect(now) }

// Close tears down everything the session owns.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

func (s *Session) warn(msg string, attrs ...any) {
	if s.warnLim.Allow() {
		s.log.Warn(msg, attrs...)
	}
}

// teardown closes whichever endpoint the session holds and, if there was
// one, bumps seqno.
func (s *Session) teardown() {
	switch {
	case s.conn != nil:
		s.conn.Close()
		s.conn = nil
		s.seqno++
	case s.stream != nil:
		s.stream.Close()
		s.stream = nil
		s.seqno++
	}
}

// connect starts a fresh connection attempt, replacing any existing state.
func (s *Session) connect(now time.Time) {
	s.teardown()
	st, err := s.dial(s.fsm.Name())
	if err != nil {
		s.warn("connect failed", slog.Any("error", err))
		s.fsm.ConnectFailed(now, err)
	} else {
		s.stream = st
		s.fsm.Connecting(now)
	}
	s.seqno++
}

// Run advances the session: it drives any in-progress dial, flushes the
// active connection, and executes whatever the reconnect controller
// commands.
func (s *Session) Run(now time.Time) {
	if s.stream != nil {
		switch err := s.stream.Connect(); {
		case err == nil:
			s.conn = NewConn(s.stream, s.log)
			s.stream = nil
			s.fsm.Connected(now)
		case errors.Is(err, stream.ErrAgain):
			// still connecting
		default:
			s.warn("connect failed", slog.Any("error", err))
			s.stream.Close()
			s.stream = nil
			s.fsm.ConnectFailed(now, err)
		}
	} else if s.conn != nil {
		s.conn.Run()
		if err := s.conn.Err(); err != nil {
			s.warn("connection lost", slog.Any("error", err))
			s.fsm.Disconnected(now, err)
			s.teardown()
		}
	}

	switch s.fsm.Run(now) {
	case reconnect.Connect:
		s.connect(now)
	case reconnect.Disconnect:
		s.fsm.Disconnected(now, nil)
		s.teardown()
	case reconnect.Probe:
		if s.conn != nil {
			probe := NewRequest("echo", nil)
			probe.ID = cloneRaw(probeID)
			if err := s.conn.Send(probe); err != nil {
				s.warn("probe failed", slog.Any("error", err))
			}
		}
	}
}

// Send forwards msg on the active connection. It reports ErrNotConnected
// while the session is down.
func (s *Session) Send(msg *Message) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.Send(msg)
}

// Recv returns the next message the peer delivered, or nil when none is
// available. Inbound "echo" requests are answered here and probe replies
// absorbed; neither reaches the caller.
func (s *Session) Recv(now time.Time) *Message {
	if s.conn == nil {
		return nil
	}
	msg, err := s.conn.Recv()
	if err != nil {
		// Would-block, or a latch the next Run turns into a disconnect.
		return nil
	}
	s.fsm.Received(now)
	switch {
	case msg.Type == TypeRequest && msg.Method == "echo":
		reply := NewReply(cloneRaw(msg.Params), cloneRaw(msg.ID))
		if err := s.Send(reply); err != nil {
			s.warn("echo reply failed", slog.Any("error", err))
		}
		return nil
	case msg.Type == TypeReply && rawEqual(msg.ID, probeID):
		return nil
	}
	return msg
}

// Wait registers everything the session is waiting on: the controller's
// timers plus the current endpoint's readiness.
func (s *Session) Wait(w *poll.Waiter, now time.Time) {
	s.fsm.Wait(w, now)
	switch {
	case s.stream != nil:
		s.stream.Wait(w)
	case s.conn != nil:
		s.conn.Wait(w)
	}
}

// RecvWait registers interest in the next deliverable message.
func (s *Session) RecvWait(w *poll.Waiter) {
	if s.conn != nil {
		s.conn.RecvWait(w)
	}
}

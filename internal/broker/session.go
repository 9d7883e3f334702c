package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hypertcp/hypertcp/internal/auth"
	"github.com/hypertcp/hypertcp/internal/metrics"
	"github.com/hypertcp/hypertcp/internal/protocol"
)

const writeWait = 10 * time.Second

// session drives one accepted connection: the framed read loop with its
// state machine, and the single writer goroutine draining the mailbox.
type session struct {
	srv  *Server
	conn net.Conn
	c    *Conn
	log  zerolog.Logger

	writerDone chan struct{}

	authenticated bool
	deviceID      string
}

func newSession(srv *Server, conn net.Conn) *session {
	c := newConn(uuid.NewString(), conn)
	return &session{
		srv:        srv,
		conn:       conn,
		c:          c,
		log:        srv.log.With().Str("client", c.ID).Str("remote", c.RemoteAddr).Logger(),
		writerDone: make(chan struct{}),
	}
}

// run blocks until the connection is closed. Deregister closes the mailbox;
// the writer then flushes whatever is still queued (rejection replies
// included) and closes the socket itself, so run only waits for it. The
// per-write deadline bounds the wait against a stalled peer.
func (s *session) run() {
	s.srv.registry.Register(s.c)
	go s.writeLoop()

	defer func() {
		s.srv.registry.Deregister(s.c)
		<-s.writerDone
	}()

	s.readLoop()
}

func (s *session) readLoop() {
	for {
		if t := s.srv.cfg.ReadIdleTimeout; t > 0 {
			s.conn.SetReadDeadline(time.Now().Add(t))
		}
		f, err := protocol.ReadFrame(s.conn)
		if err != nil {
			s.logReadEnd(err)
			return
		}
		metrics.FramesReceived.WithLabelValues(protocol.CommandName(f.Type)).Inc()

		if !s.authenticated {
			if f.Type != protocol.CmdLogin {
				s.log.Warn().Str("type", protocol.CommandName(f.Type)).Msg("Frame before login, closing")
				s.send(protocol.Response(f.MsgID, int(protocol.StatusNotAuthenticated)))
				return
			}
			if !s.handleLogin(f) {
				return
			}
			continue
		}

		switch f.Type {
		case protocol.CmdPing:
			s.send(protocol.Response(f.MsgID, -1))

		case protocol.CmdResponse:
			// Acknowledgement of one of our outbound frames.

		case protocol.CmdRedirect:
			// Reserved: defined for server-to-client redirects, no inbound
			// handler exists.
			s.log.Debug().Msg("Ignoring REDIRECT frame")

		case protocol.CmdLogin:
			// Already authenticated; the state is immutable after login.
			s.log.Warn().Msg("Duplicate LOGIN ignored")
			s.send(protocol.Response(f.MsgID, int(protocol.StatusSuccess)))

		case protocol.CmdJSONMessage:
			var msg map[string]any
			if err := json.Unmarshal(f.Payload, &msg); err != nil {
				s.log.Warn().Err(err).Msg("Malformed JSON message, dropped")
				continue
			}
			s.srv.router.Route(s.deviceID, msg)
			if payload, ok := msg[protocol.EnvelopePayload].(map[string]any); ok {
				if cmd, ok := payload["command"].(string); ok && cmd == "ping" {
					s.sendPong(payload)
				}
			}
			s.send(protocol.Response(f.MsgID, -1))

		case protocol.CmdBroadcast:
			var msg map[string]any
			if err := json.Unmarshal(f.Payload, &msg); err != nil {
				s.log.Warn().Err(err).Msg("Malformed broadcast message, dropped")
				continue
			}
			s.srv.router.Broadcast(s.deviceID, msg)
			s.send(protocol.Response(f.MsgID, -1))

		default:
			s.log.Warn().Str("type", protocol.CommandName(f.Type)).Msg("Unknown command")
			s.send(protocol.Response(f.MsgID, int(protocol.StatusInvalidCommand)))
		}
	}
}

// handleLogin runs the UNAUTH transitions. It reports false when the
// session must close (rejected credentials).
func (s *session) handleLogin(f protocol.Frame) bool {
	login := protocol.ParseLogin(f.Payload, s.c.ID)
	if login.Legacy {
		s.log.Debug().Msg("Legacy raw-token login payload")
	}

	switch s.srv.classifier.Classify(login.Token, login.DeviceID) {
	case auth.Device:
		// Registered before the response goes out, so a client that has
		// seen its welcome is already routable.
		s.srv.registry.AuthenticateDevice(s.c, login.DeviceID)
		s.send(protocol.Response(f.MsgID, int(protocol.StatusSuccess)))
		s.sendWelcome()

	case auth.Admin:
		s.srv.registry.AuthenticateAdmin(s.c, login.DeviceID)
		s.send(protocol.Response(f.MsgID, int(protocol.StatusSuccess)))
		s.sendWelcome()
		// Snapshot lands behind the welcome in the mailbox.
		s.srv.registry.SendSnapshot(s.c)

	default:
		metrics.AuthFailures.Inc()
		s.log.Warn().Str("device", login.DeviceID).Msg("Authentication failed")
		s.send(protocol.Response(f.MsgID, int(protocol.StatusInvalidToken)))
		return false
	}

	s.authenticated = true
	s.deviceID = login.DeviceID
	return true
}

// send encodes a frame onto the mailbox. A refused enqueue closes the
// transport; the read loop then observes the error and cleans up.
func (s *session) send(f protocol.Frame) {
	buf, err := protocol.EncodeFrame(f)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode outbound frame")
		return
	}
	if !s.c.enqueue(buf) {
		s.log.Warn().Msg("Writer mailbox unavailable, closing connection")
		s.c.closeTransport()
	}
}

func (s *session) sendWelcome() {
	if frame, ok := welcomeFrame(s.c.ID); ok {
		if !s.c.enqueue(frame) {
			s.c.closeTransport()
		}
	}
}

// sendPong answers the payload-level ping convention with a pong
// JSON_MESSAGE, merging the original ping fields under the server's stamps.
func (s *session) sendPong(ping map[string]any) {
	pong := make(map[string]any, len(ping)+3)
	for k, v := range ping {
		pong[k] = v
	}
	pong["type"] = "pong"
	pong["command"] = "pong"
	pong["timestamp"] = nowMillis()

	if frame, ok := jsonFrame(pong); ok {
		if !s.c.enqueue(frame) {
			s.c.closeTransport()
		}
	}
}

// writeLoop is the single consumer of the mailbox. It exits when the
// mailbox is closed by Deregister or when a write fails, closing the socket
// either way.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	for buf := range s.c.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := s.conn.Write(buf); err != nil {
			s.log.Debug().Err(err).Msg("Write failed")
			s.conn.Close()
			// Drain so late enqueuers before closeSend are not stranded.
			for range s.c.send {
			}
			return
		}
	}
	s.conn.Close()
}

func (s *session) logReadEnd(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug().Msg("Peer closed connection")
	case errors.Is(err, net.ErrClosed):
		s.log.Debug().Msg("Connection closed")
	default:
		s.log.Debug().Err(err).Msg("Read error, closing connection")
	}
}

// Package bridge exposes HyperTCP frames to browser clients: each accepted
// WebSocket gets a paired outbound TCP connection to the broker, and bytes
// are relayed verbatim in both directions. The bridge performs no
// authentication, parsing, or routing.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hypertcp/hypertcp/internal/config"
	"github.com/hypertcp/hypertcp/internal/protocol"
)

const (
	dialTimeout     = 10 * time.Second
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.HeaderSize + protocol.MaxPayloadSize,
	WriteBufferSize: protocol.HeaderSize + protocol.MaxPayloadSize,
	CheckOrigin: func(r *http.Request) bool {
		// The broker authenticates; the bridge is protocol-transparent.
		return true
	},
}

// Bridge is the WebSocket↔TCP relay server.
type Bridge struct {
	cfg config.BridgeConfig
	log zerolog.Logger

	ln       net.Listener
	srv      *http.Server
	shutdown sync.Once
	done     chan struct{}
}

// New creates a bridge server.
func New(cfg config.BridgeConfig, logger zerolog.Logger) *Bridge {
	return &Bridge{cfg: cfg, log: logger, done: make(chan struct{})}
}

// Start binds the WebSocket listener. It returns an error only on bind
// failure. Cancelling ctx shuts the bridge down.
func (b *Bridge) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", b.cfg.Addr(), err)
	}
	b.ln = ln
	b.srv = &http.Server{Handler: http.HandlerFunc(b.handleWebSocket)}

	b.log.Info().
		Str("addr", ln.Addr().String()).
		Str("broker", b.cfg.BrokerAddr).
		Msg("WebSocket bridge listening")

	go func() {
		<-ctx.Done()
		b.Shutdown()
	}()
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Warn().Err(err).Msg("Bridge server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (b *Bridge) Addr() string {
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}

// Shutdown stops the HTTP server.
func (b *Bridge) Shutdown() {
	b.shutdown.Do(func() {
		b.log.Info().Msg("Shutting down bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.srv.Shutdown(shutdownCtx); err != nil {
			b.srv.Close()
		}
		close(b.done)
	})
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer ws.Close()

	logger := b.log.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("WebSocket client connected")
	defer logger.Info().Msg("WebSocket client disconnected")

	tcp, err := net.DialTimeout("tcp", b.cfg.BrokerAddr, dialTimeout)
	if err != nil {
		logger.Error().Err(err).Str("broker", b.cfg.BrokerAddr).Msg("Failed to connect to broker")
		closeWith(ws, "failed to connect to HyperTCP server")
		return
	}
	defer tcp.Close()

	go b.relayTCPToWS(logger, tcp, ws)

	// WebSocket → TCP: binary messages are raw frame bytes, forwarded
	// verbatim. Text messages are not part of the protocol.
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("WebSocket read ended")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			logger.Debug().Str("message", string(data)).Msg("Ignoring text message")
			continue
		}
		if _, err := tcp.Write(data); err != nil {
			logger.Warn().Err(err).Msg("Forward to broker failed")
			closeWith(ws, "TCP connection lost")
			return
		}
	}
}

// relayTCPToWS forwards broker bytes to the browser. Header and payload are
// sent as two distinct binary messages so browser code can run a two-stage
// header-then-body reader without buffering state.
func (b *Bridge) relayTCPToWS(logger zerolog.Logger, tcp net.Conn, ws *websocket.Conn) {
	// Tearing down the WebSocket unblocks the handler's read loop, which
	// then closes the TCP side.
	defer ws.Close()

	header := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(tcp, header); err != nil {
			logger.Debug().Err(err).Msg("Broker connection closed")
			closeWith(ws, "TCP connection lost")
			return
		}
		if err := writeBinary(ws, header); err != nil {
			return
		}
		h, err := protocol.DecodeHeader(header)
		if err != nil {
			return
		}
		if h.Length == 0 {
			continue
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(tcp, payload); err != nil {
			logger.Debug().Err(err).Msg("Broker connection closed mid-frame")
			closeWith(ws, "TCP connection lost")
			return
		}
		if err := writeBinary(ws, payload); err != nil {
			return
		}
	}
}

func writeBinary(ws *websocket.Conn, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// closeWith sends a 1011 (internal error) close frame, the code browser
// clients key on to distinguish transport failure from a normal close.
func closeWith(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

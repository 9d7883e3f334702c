// Package broker implements the HyperTCP message-routing broker: the TCP
// accept loop, per-connection sessions, the routing registry, the router,
// and the admin event feed.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hypertcp/hypertcp/internal/auth"
	"github.com/hypertcp/hypertcp/internal/config"
)

// Server accepts HyperTCP connections and runs a session per connection.
type Server struct {
	cfg        config.BrokerConfig
	classifier auth.Classifier
	registry   *Registry
	router     *Router
	log        zerolog.Logger

	ln       net.Listener
	shutdown sync.Once
	done     chan struct{}
}

// New creates a broker server. A nil classifier falls back to the static
// rule built from the configured tokens.
func New(cfg config.BrokerConfig, classifier auth.Classifier, logger zerolog.Logger) *Server {
	if classifier == nil {
		static := auth.NewStaticClassifier(cfg.DeviceToken)
		if cfg.AdminToken != "" {
			static.AdminToken = cfg.AdminToken
		}
		classifier = static
	}
	reg := NewRegistry(logger)
	return &Server{
		cfg:        cfg,
		classifier: classifier,
		registry:   reg,
		router:     NewRouter(reg, logger),
		log:        logger,
		done:       make(chan struct{}),
	}
}

// Registry exposes the routing registry, primarily for tests and
// server-internal extensions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds the listener and launches the accept loop. It returns an
// error only on bind failure. Cancelling ctx shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("HyperTCP broker listening")

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting and closes every registered connection. The
// sessions observe the closed transports as EOF and deregister themselves.
func (s *Server) Shutdown() {
	s.shutdown.Do(func() {
		s.log.Info().Msg("Shutting down broker")
		if s.ln != nil {
			s.ln.Close()
		}
		s.registry.CloseAll()
		close(s.done)
	})
}

// Done is closed once Shutdown has run.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		go newSession(s, conn).run()
	}
}

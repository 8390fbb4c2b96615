// Package proxy accepts client connections, negotiates the protocol
// (optional TLS, startup packet, authentication, cancel sub-protocol),
// synthesizes the session's backend identity, and hands the connection to
// the query engine.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/engine"
)

// Server is the client-facing TCP listener.
type Server struct {
	engine    *engine.Engine
	tlsConfig *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a proxy server over an engine.
func NewServer(e *engine.Engine, g config.General) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{engine: e, ctx: ctx, cancel: cancel}

	if g.TLSCert != "" && g.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(g.TLSCert, g.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key; TLS disabled", "err", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			slog.Info("TLS enabled", "cert", g.TLSCert)
		}
	}
	return s
}

// Listen starts accepting clients on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.handleConnection(s.ctx, conn); err != nil {
				slog.Debug("connection closed", "addr", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// Stop shuts the listener down and waits for sessions to drain.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("proxy stopped")
}

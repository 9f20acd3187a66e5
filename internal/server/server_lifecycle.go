package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/signcast/host/internal/certs"
)

// proxyHeaderTimeout bounds how long a new connection may take to send its
// PROXY header.
const proxyHeaderTimeout = 10 * time.Second

// StartAsync listens and serves in the background.
//
// The returned channel receives nil once the listener is up, or the error
// that prevented it (port in use, unreadable certificate).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := s.listen()
	if err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		errCh <- fmt.Errorf("server stopped")
		close(errCh)
		return errCh
	}
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		log.Printf("server: listening on %s (tls=%t, proxy protocol=%t)",
			ln.Addr(), s.tlsEnabled(), s.cfg.ProxyProtocol)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return errCh
}

func (s *Server) tlsEnabled() bool {
	return s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
}

// listen builds the listener stack: TCP, then PROXY protocol, then TLS. The
// PROXY header arrives in clear before the TLS handshake.
func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	if s.cfg.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: proxyHeaderTimeout}
	}

	if s.tlsEnabled() {
		tlsCfg, err := certs.ServerConfig(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// Addr returns the bound address, or "" before StartAsync succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every device socket and shuts the HTTP server down, waiting
// for in-flight operator requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.httpServer
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	s.cancel()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

// Package server accepts DICOM associations and routes DIMSE requests
// to the service handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/metrics"
	"github.com/lamyj/dopamine/internal/services"
)

// Server is the DICOM SCP listener.
type Server struct {
	// AETitle is the called AE title this node answers to. Empty
	// disables the check.
	AETitle      string
	MaxPDULength uint32
	// IdleTimeout closes associations with no inbound traffic.
	IdleTimeout time.Duration

	Authorizer authz.Authorizer

	Echo  services.Handler
	Store services.Handler
	Find  services.Handler
	Move  services.Handler
	Get   services.Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// ListenAndServe listens on addr and serves associations until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("ae_title", s.AETitle).Msg("DICOM server listening")
	return s.Serve(listener)
}

// Serve accepts associations on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server: already shut down")
	}
	s.listener = listener
	if s.conns == nil {
		s.conns = map[net.Conn]struct{}{}
	}
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			newAssociation(s, conn).run()
		}()
	}
}

// Shutdown stops accepting associations and waits for active ones to
// finish, up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Server) maxPDULength() uint32 {
	if s.MaxPDULength == 0 {
		return 16384
	}
	return s.MaxPDULength
}

func (s *Server) recordAssociation(callingAET, outcome string) {
	metrics.AssociationsTotal.WithLabelValues(callingAET, outcome).Inc()
}

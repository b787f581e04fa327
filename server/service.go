package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Service runs an HTTP server under a suture supervisor. On shutdown it
// drains the listener, then closes the WebSocket sessions.
type Service struct {
	server          HTTPServer
	sessions        *Server
	shutdownTimeout time.Duration
}

// NewService wraps srv. sessions may be nil when the handler has no
// WebSocket sessions to close.
func NewService(srv HTTPServer, sessions *Server, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Service{server: srv, sessions: sessions, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already done; shut down on a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		if s.sessions != nil {
			if err := s.sessions.CloseSessions(shutdownCtx); err != nil {
				return fmt.Errorf("close websocket sessions: %w", err)
			}
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string {
	return "http-server"
}

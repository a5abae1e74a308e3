package http

import (
	"context"
	"net/http"
	"time"

	"log/slog"
)

// Server wraps net/http.Server with graceful shutdown helpers.
type Server struct {
	srv             *http.Server
	log             *slog.Logger
	shutdownTimeout time.Duration
}

// NewServer builds a configured HTTP server. shutdownTimeout bounds how
// long Run waits for in-flight requests (webhook intake, health probes) to
// finish draining once ctx is cancelled, separate from the worker fleet's
// own drain budget in Manager.StopAll.
func NewServer(handler http.Handler, addr string, readHeaderTimeout, readTimeout, writeTimeout, idleTimeout, shutdownTimeout time.Duration, maxHeaderBytes int, log *slog.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{srv: s, log: log, shutdownTimeout: shutdownTimeout}
}

// Run starts the HTTP server and blocks until the context is cancelled or the server exits.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown", slog.String("error", err.Error()))
		}
		return nil
	case err := <-serverErr:
		return err
	}
}

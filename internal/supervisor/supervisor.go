// Package supervisor builds the suture trees hosting long-running services.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/logging"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

const (
	failureThreshold = 5
	failureDecay     = 30
	failureBackoff   = 15 * time.Second
	stopTimeout      = 10 * time.Second
)

// New returns a supervisor that restarts failed services with backoff and
// logs its events through logger.
func New(name string, logger *zap.Logger) *suture.Supervisor {
	return suture.New(name, suture.Spec{
		EventHook:        logging.SupervisorHook(logger),
		FailureThreshold: failureThreshold,
		FailureDecay:     failureDecay,
		FailureBackoff:   failureBackoff,
		Timeout:          stopTimeout,
	})
}

// HTTPServer is the lifecycle subset of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service.
type HTTPService struct {
	name            string
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. A non-positive shutdownTimeout defaults to 10s.
func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = stopTimeout
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

// String names the service for supervisor events.
func (s *HTTPService) String() string {
	return s.name
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
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
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", s.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

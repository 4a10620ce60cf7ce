package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/backend"
	"github.com/developingchet/cascade-guard/internal/realtime"
	"github.com/developingchet/cascade-guard/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// ServeConfig selects the HTTP listeners started by Run.
type ServeConfig struct {
	MetricsEnabled bool
	MetricsAddr    string
	HealthAddr     string // empty disables health endpoints
}

// Service is a Coordinator plus the long-running pieces around it: the
// transport connection, audit delivery, housekeeping and HTTP endpoints.
type Service struct {
	*Coordinator

	serve   ServeConfig
	api     backend.API
	store   storage.Store
	shipper *audit.Shipper
	janitor *Janitor
	log     zerolog.Logger
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.shipper != nil {
		s.shipper.Start(gctx)
	}

	if s.transport != nil {
		g.Go(func() error {
			return s.keepConnected(gctx)
		})
	}

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	if s.serve.MetricsEnabled && s.serve.MetricsAddr != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	if s.serve.HealthAddr != "" {
		g.Go(func() error {
			return s.serveHealth(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the transport, audit delivery, backend and store.
func (s *Service) Close() error {
	if s.transport != nil {
		s.transport.Close()
	}
	if s.shipper != nil {
		s.shipper.Stop()
	}
	var errs []error
	if err := s.api.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// keepConnected opens the transport and holds it until ctx ends. Dial
// failures are retried by the client itself.
func (s *Service) keepConnected(ctx context.Context) error {
	stopStatus := s.transport.OnStatus(func(st realtime.State, stats realtime.Stats) {
		e := s.log.Debug()
		if st == realtime.StateFailed {
			e = s.log.Error()
		}
		e.Str("state", string(st)).Int("attempt", stats.Attempt).Str("last_error", stats.LastError).
			Msg("realtime transport state changed")
		if st == realtime.StateConnected && stats.TotalReconnects > 0 {
			go s.Reconcile(ctx)
		}
	})
	defer stopStatus()

	stopIntegrity := s.transport.OnIntegrityIssue(func(issue realtime.IntegrityIssue) {
		s.log.Warn().Str("severity", issue.Severity).Str("collection", issue.Collection).
			Int("count", issue.Count).Bool("fixable", issue.Fixable).Msg("integrity issue reported")
	})
	defer stopIntegrity()

	if err := s.transport.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial realtime connect failed; retrying in background")
	}
	<-ctx.Done()
	s.transport.Disconnect()
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Service) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    s.serve.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.serve.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoint.
func (s *Service) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.serve.HealthAddr,
		Handler: s.healthHandler(),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.serve.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Status is the body of /status.
type Status struct {
	Version          string         `json:"version"`
	UserID           string         `json:"userId,omitempty"`
	Authenticated    bool           `json:"authenticated"`
	Suspicious       bool           `json:"suspicious"`
	Transport        realtime.State `json:"transport,omitempty"`
	TransportQueue   int            `json:"transportQueue"`
	ActiveOperations int            `json:"activeOperations"`
	PendingUpdates   int            `json:"pendingUpdates"`
	NeedsRefresh     bool           `json:"needsRefresh"`
}

// Status reports a point-in-time summary.
func (s *Service) Status() Status {
	snap := s.policy.Snapshot()
	st := Status{
		Version:          BinaryVersion,
		UserID:           snap.UserID,
		Authenticated:    snap.Authenticated,
		Suspicious:       snap.SuspiciousActivityDetected,
		ActiveOperations: s.Active(),
		PendingUpdates:   s.engine.Pending(),
		NeedsRefresh:     s.engine.NeedsRefresh(),
	}
	if s.transport != nil {
		st.Transport = s.transport.State()
		st.TransportQueue = s.transport.QueueDepth()
	}
	return st
}

func (s *Service) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.api.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if s.transport != nil && s.transport.State() == realtime.StateFailed {
			http.Error(w, "not ready: realtime transport failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status())
	})
	return mux
}

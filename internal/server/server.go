// Package server provides the admin HTTP server and the periodic
// reconcile scheduler that drives the Scaler Façade. Uses gorilla/mux +
// gorilla/handlers for routing and access logging, with two separate
// listeners (API, metrics) shut down gracefully side by side.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/config"
	"github.com/thpham/fleetd/internal/metrics"
	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/runnermanager"
)

// defaultReconcileInterval is the Scaler Façade's periodic tick period (default
// mirrors the Pressure Reconciler's delete-loop cadence).
const defaultReconcileInterval = 5 * time.Minute

// RunnerLister is the subset of the Runner Manager the admin API needs
// for read-only inspection endpoints.
type RunnerLister interface {
	GetRunners(ctx context.Context) ([]models.RunnerInstance, error)
}

// Reconciler is the subset of the Scaler Façade the server's scheduler
// drives and the admin API's reconcile/flush routes trigger on demand.
// Both Reconcile and Flush are expected to serialize against each other
// internally (the Scaler Façade does this with a mutex), so the server
// itself holds no lock of its own.
type Reconciler interface {
	Reconcile(ctx context.Context) error
	Flush(ctx context.Context, mode models.FlushMode, flavor string) (runnermanager.CleanupStats, error)
}

// Server hosts the admin API, the metrics endpoint, and the reconcile
// scheduler.
type Server struct {
	cfg     *config.Config
	log     *logrus.Logger
	manager RunnerLister
	scaler  Reconciler
	collect *metrics.Collectors

	reconcileInterval time.Duration
}

// New builds a Server.
func New(cfg *config.Config, manager RunnerLister, scaler Reconciler, collect *metrics.Collectors, log *logrus.Logger) *Server {
	return &Server{
		cfg:               cfg,
		log:               log,
		manager:           manager,
		scaler:            scaler,
		collect:           collect,
		reconcileInterval: defaultReconcileInterval,
	}
}

// Run starts the reconcile scheduler and both HTTP listeners, blocking
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.collect != nil {
		s.collect.SetUp()
		defer s.collect.SetDown()
	}

	errChan := make(chan error, 2)

	go s.reconcileLoop(ctx)

	apiServer := &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: s.apiRouter(),
	}
	go func() {
		s.log.Infof("starting admin API server on %s", s.cfg.Server.Address)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin API server error: %w", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:    s.cfg.Server.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		s.log.Infof("starting metrics server on %s", s.cfg.Server.MetricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down servers")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("error shutting down admin API server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("error shutting down metrics server")
	}
	return nil
}

// reconcileLoop runs Scaler.Reconcile on a fixed timer until ctx is done.
func (s *Server) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scaler.Reconcile(ctx); err != nil {
				s.log.WithError(err).Warn("reconcile tick failed")
				if s.collect != nil {
					s.collect.ReconcileErrors.Inc()
				}
			}
		}
	}
}

// apiRouter builds the admin API mux, logged via gorilla/handlers.
func (s *Server) apiRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runners", s.handleRunnerList).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runners/{instance_id}", s.handleRunnerGet).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reconcile", s.handleReconcileNow).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/flush", s.handleFlush).Methods(http.MethodPost)

	return handlers.LoggingHandler(s.log.Writer(), r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleRunnerList(w http.ResponseWriter, r *http.Request) {
	runners, err := s.manager.GetRunners(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(runners))
	for _, ri := range runners {
		out = append(out, runnerJSON(ri))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"runners": out})
}

// handleRunnerGet returns the single runner named by the instance_id path
// variable, looked up by scanning a fresh GetRunners snapshot.
func (s *Server) handleRunnerGet(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instance_id"]

	runners, err := s.manager.GetRunners(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for _, ri := range runners {
		if ri.Name == instanceID {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(runnerJSON(ri))
			return
		}
	}

	http.Error(w, fmt.Sprintf("runner %q not found", instanceID), http.StatusNotFound)
}

func runnerJSON(ri models.RunnerInstance) map[string]interface{} {
	return map[string]interface{}{
		"name":           ri.Name,
		"cloud_state":    ri.CloudState.String(),
		"platform_state": ri.PlatformState.String(),
		"flavor":         ri.Config.Flavor,
		"created_at":     ri.CreatedAt,
	}
}

// handleReconcileNow triggers an out-of-band reconcile tick, useful for
// operator-driven scale changes between scheduled ticks.
func (s *Server) handleReconcileNow(w http.ResponseWriter, r *http.Request) {
	if err := s.scaler.Reconcile(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// flushRequest is the POST /api/v1/flush body: mode selects whether only
// idle runners are deleted or idle-and-busy ones, flavor narrows the
// target to one VMConfig.Flavor (empty means all flavors).
type flushRequest struct {
	Mode   string `json:"mode"`
	Flavor string `json:"flavor"`
}

// handleFlush deletes idle (or idle-and-busy) runners on demand. Runs
// through the same Scaler.Flush path as the scheduled reconcile, so it's
// serialized against reconcile ticks.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	mode := models.FlushIdle
	switch req.Mode {
	case "", "idle":
		mode = models.FlushIdle
	case "busy":
		mode = models.FlushBusy
	default:
		http.Error(w, fmt.Sprintf("unknown flush mode %q", req.Mode), http.StatusBadRequest)
		return
	}

	stats, err := s.scaler.Flush(r.Context(), mode, req.Flavor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"deleted":         stats.Deleted,
		"crashed_runners": stats.CrashedRunners,
	})
}

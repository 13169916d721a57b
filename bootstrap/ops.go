package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// OpsServer serves /metrics and /healthz for the running pipeline.
type OpsServer struct {
	router *mux.Router
	server *http.Server
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewOpsServer creates the router. Register checks before Start.
func NewOpsServer(addr string, logger *zap.SugaredLogger) *OpsServer {
	s := &OpsServer{
		router: mux.NewRouter(),
		logger: logger,
		checks: make(map[string]HealthCheck),
	}
	s.router.HandleFunc("/healthz", s.healthCheck).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// AddCheck registers a named health check.
func (s *OpsServer) AddCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler exposes the router for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Stop.
func (s *OpsServer) Serve(l net.Listener) error {
	s.logger.Infow("Ops server listening", "addr", l.Addr().String())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address.
func (s *OpsServer) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Stop stops the server.
func (s *OpsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status string            `json:"status"`
	Time   string            `json:"time"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *OpsServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]HealthCheck, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	response := healthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
		Checks: make(map[string]string, len(names)),
	}
	code := http.StatusOK
	for i, name := range names {
		if err := checks[i](ctx); err != nil {
			response.Checks[name] = err.Error()
			response.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warnw("Failed to write health response", "error", err)
	}
}

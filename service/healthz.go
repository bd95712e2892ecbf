// Package service serves the health endpoints used in continuous mode.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

const (
	DefaultHealthzHost = "0.0.0.0"
	DefaultHealthzPort = 8080
)

// RunStatus is the outcome of the most recent run.
type RunStatus struct {
	RunID    string        `json:"runId"`
	Passed   bool          `json:"passed"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Jobs     int           `json:"jobs"`
	Failed   []string      `json:"failed,omitempty"`
}

// HealthzServer answers /healthz while the process is alive and /status with
// the last recorded run.
type HealthzServer struct {
	log log.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	last     *RunStatus
}

func NewHealthzServer(l log.Logger) *HealthzServer {
	if l == nil {
		l = log.Root()
	}
	return &HealthzServer{log: l.New("component", "healthz")}
}

// Handler returns the routes with CORS applied.
func (h *HealthzServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/status", h.handleStatus)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(mux)
}

// Start listens on addr and serves in the background.
func (h *HealthzServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = server
	h.listener = ln
	h.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("Healthz server failed", "err", err)
		}
	}()
	h.log.Info("Healthz server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, or "" before Start.
func (h *HealthzServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Record stores the latest run for /status.
func (h *HealthzServer) Record(s RunStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &s
}

func (h *HealthzServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	_, _ = w.Write([]byte("OK"))
}

func (h *HealthzServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last == nil {
		http.Error(w, "no run completed yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(last)
}

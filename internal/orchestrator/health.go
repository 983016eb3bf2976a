package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/reo/internal/metrics"
)

// DefaultHealthAddr is where the health server listens when unconfigured.
const DefaultHealthAddr = "127.0.0.1:8080"

// Pinger is a dependency whose reachability affects health, such as the
// Redis bridge.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes /healthz, /status and /metrics for the orchestrator.
type HealthServer struct {
	engine *Engine
	redis  Pinger
	addr   string
	server *http.Server
}

// NewHealthServer creates a health server for engine. redis may be nil.
func NewHealthServer(engine *Engine, addr string, redis Pinger) *HealthServer {
	if addr == "" {
		addr = DefaultHealthAddr
	}
	return &HealthServer{
		engine: engine,
		redis:  redis,
		addr:   addr,
	}
}

func (h *HealthServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.HandleFunc("/status", h.statusHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start binds the listener and serves in the background. It returns the
// bound address.
func (h *HealthServer) Start() (string, error) {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return "", fmt.Errorf("failed to bind health server on %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Health] Server error: %v", err)
		}
	}()

	log.Printf("[Health] Listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

// Shutdown gracefully shuts down the health server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz. It answers 503 when a running
// workflow has lost its scanner or Redis is configured but unreachable.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.engine.Status()
	response := HealthResponse{
		Status:  "healthy",
		Phase:   string(status.Phase),
		Scanner: "disconnected",
	}
	if status.Scanner != nil && status.Scanner.Connected {
		response.Scanner = "connected"
	}
	if status.Running && response.Scanner != "connected" {
		response.Status = "unhealthy"
		response.Error = "memory scanner is not connected"
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		response.Redis = "connected"
		if err := h.redis.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Redis = "disconnected"
			response.Error = err.Error()
		}
	}

	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

// statusHandler handles GET /status with the full workflow snapshot.
func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Health] Failed to write response: %v", err)
	}
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	Scanner string `json:"scanner"`
	Redis   string `json:"redis,omitempty"`
	Error   string `json:"error,omitempty"`
}

package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/lifecycle"
)

// Server exposes the websocket endpoint plus health and metrics. All
// dispatch traffic flows over /ws; the HTTP surface is deliberately small.
type Server struct {
	gw     *gateway.Gateway
	rides  *lifecycle.Service
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(gw *gateway.Gateway, rides *lifecycle.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{gw: gw, rides: rides, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.gw.HandleWS)
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"rides_in_flight": s.rides.InFlight(),
	})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

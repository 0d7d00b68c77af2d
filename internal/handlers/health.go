package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pacsbin/dicomweb-proxy/internal/config"
	"github.com/pacsbin/dicomweb-proxy/internal/gateway"
)

// HealthHandler serves liveness and status endpoints.
type HealthHandler struct {
	svc     *gateway.Service
	cfg     *config.Config
	started time.Time
}

func NewHealthHandler(svc *gateway.Service, cfg *config.Config) *HealthHandler {
	return &HealthHandler{svc: svc, cfg: cfg, started: time.Now()}
}

// Ping handles GET /ping.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong"))
}

type statusResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	ProxyMode     string    `json:"proxyMode"`
	Peers         []string  `json:"peers"`
	CacheEnabled  bool      `json:"cacheEnabled"`
	CacheEntries  int       `json:"cacheEntries"`
	CacheBytes    int64     `json:"cacheBytes"`
	PendingMoves  int       `json:"pendingMoves"`
}

// Status handles GET /status.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.CacheStats()
	peers := make([]string, 0, len(h.svc.Peers()))
	for _, p := range h.svc.Peers() {
		peers = append(peers, p.AET)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:        "running",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		ProxyMode:     h.cfg.ProxyMode,
		Peers:         peers,
		CacheEnabled:  h.svc.CacheEnabled(),
		CacheEntries:  stats.Entries,
		CacheBytes:    stats.SizeBytes,
		PendingMoves:  h.svc.PendingMoves(),
	})
}

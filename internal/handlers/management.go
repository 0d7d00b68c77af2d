package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pacsbin/dicomweb-proxy/internal/gateway"
)

// ManagementHandler serves the operational endpoints: connectivity tests and
// cache administration.
type ManagementHandler struct {
	svc *gateway.Service
}

func NewManagementHandler(svc *gateway.Service) *ManagementHandler {
	return &ManagementHandler{svc: svc}
}

type echoRequest struct {
	PeerIndex int `json:"peerIndex"`
}

type echoResponse struct {
	Success        bool   `json:"success"`
	Peer           string `json:"peer"`
	ResponseTimeMS int64  `json:"responseTime"`
	Error          string `json:"error,omitempty"`
}

// Echo handles POST /dimse/echo: a C-ECHO against a configured peer. An
// empty body targets the primary peer.
func (h *ManagementHandler) Echo(w http.ResponseWriter, r *http.Request) {
	var req echoRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "dimse_echo", http.StatusBadRequest, "invalid request body")
			return
		}
	}

	rtt, peer, err := h.svc.Echo(r.Context(), req.PeerIndex)
	resp := echoResponse{
		Success:        err == nil,
		Peer:           peer.AET,
		ResponseTimeMS: rtt.Milliseconds(),
	}
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.AET).Msg("C-ECHO failed")
		resp.Error = err.Error()
	}

	// The echo outcome is the payload; the request itself succeeded.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CacheStatus handles GET /cache/status.
func (h *ManagementHandler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.svc.CacheStats())
}

// CacheValidate handles POST /cache/validate: reconcile the index with the
// filesystem.
func (h *ManagementHandler) CacheValidate(w http.ResponseWriter, r *http.Request) {
	dropped := h.svc.ValidateCache()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"droppedEntries": dropped})
}

// CacheClear handles POST /cache/clear.
func (h *ManagementHandler) CacheClear(w http.ResponseWriter, r *http.Request) {
	removed := h.svc.ClearCache(r.Context())
	log.Info().Int("removed", removed).Msg("Cache cleared by request")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"removedEntries": removed})
}

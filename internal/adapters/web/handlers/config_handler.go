package handlers

import (
	"net/http"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/services/control"
)

// ConfigHandler handles the defense and threshold settings
type ConfigHandler struct {
	Service *control.Service
}

// NewConfigHandler creates a new ConfigHandler
func NewConfigHandler(service *control.Service) *ConfigHandler {
	return &ConfigHandler{Service: service}
}

func (h *ConfigHandler) HandleGetDefense(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Defense())
}

func (h *ConfigHandler) HandleSetDefense(w http.ResponseWriter, r *http.Request) {
	var req config.DefenseConfig
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	got, err := h.Service.SetDefense(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *ConfigHandler) HandleGetDeauth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.DeauthThresholds())
}

// HandleSetDeauth accepts a partial document; omitted fields keep their
// current values.
func (h *ConfigHandler) HandleSetDeauth(w http.ResponseWriter, r *http.Request) {
	req := h.Service.DeauthThresholds()
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	got, err := h.Service.SetDeauthThresholds(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

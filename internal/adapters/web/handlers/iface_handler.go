package handlers

import (
	"net/http"

	"github.com/mardigiorgio/PiGuard/internal/core/services/control"
)

// IfaceHandler serves interface and channel control.
type IfaceHandler struct {
	Service *control.Service
}

func NewIfaceHandler(service *control.Service) *IfaceHandler {
	return &IfaceHandler{Service: service}
}

type ifaceRequest struct {
	Iface string `json:"iface"`
}

type cloneRequest struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
	Adopt  bool   `json:"adopt"`
}

type channelRequest struct {
	Channel int `json:"channel"`
}

// HandleGet reports the capture interface, or ?name= when given.
func (h *IfaceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.InterfaceState(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleSet changes the capture interface.
func (h *IfaceHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	var req ifaceRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := h.Service.SetInterface(r.Context(), req.Iface); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"iface": req.Iface})
}

func (h *IfaceHandler) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	var req ifaceRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	st, err := h.Service.EnableMonitor(r.Context(), req.Iface)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *IfaceHandler) HandleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	st, err := h.Service.CloneMonitor(r.Context(), req.Parent, req.Name, req.Adopt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// HandleChannel locks the hopper on a channel and tunes now.
func (h *IfaceHandler) HandleChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := h.Service.SetChannel(r.Context(), req.Channel); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mode": "lock", "channel": req.Channel})
}

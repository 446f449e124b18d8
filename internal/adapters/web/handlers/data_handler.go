package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/mardigiorgio/PiGuard/internal/core/services/control"
)

// DataHandler serves the stored events, alerts and log lines.
type DataHandler struct {
	Service *control.Service
}

func NewDataHandler(service *control.Service) *DataHandler {
	return &DataHandler{Service: service}
}

func (h *DataHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DataHandler) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.Service.Overview(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (h *DataHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	since, limit, err := paging(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	events, err := h.Service.EventsAfter(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *DataHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	since, limit, err := paging(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	alerts, err := h.Service.AlertsAfter(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *DataHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	since, limit, err := paging(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	lines, err := h.Service.LogsAfter(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *DataHandler) HandleAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		badRequest(w, "invalid alert id")
		return
	}
	if err := h.Service.AcknowledgeAlert(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "acknowledged": true})
}

func (h *DataHandler) HandleTestAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.Service.TestAlert(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

// HandleClear empties ?subsets=events,alerts,logs, or everything when absent.
func (h *DataHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	var subsets []ports.Subset
	if raw := r.URL.Query().Get("subsets"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			s, ok := ports.ParseSubset(strings.TrimSpace(name))
			if !ok {
				badRequest(w, "unknown subset "+strconv.Quote(name))
				return
			}
			subsets = append(subsets, s)
		}
	}
	cleared, err := h.Service.Clear(r.Context(), subsets...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared})
}

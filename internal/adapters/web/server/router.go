package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mardigiorgio/PiGuard/internal/adapters/web/middleware"
)

func SetupRoutes(s *Server) http.Handler {
	r := mux.NewRouter()
	auth := middleware.APIKeyMiddleware(s.apiKey)

	// Public
	r.HandleFunc("/api/health", s.DataHandler.HandleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)

	// Interface control
	api.HandleFunc("/iface", s.IfaceHandler.HandleGet).Methods(http.MethodGet)
	api.HandleFunc("/iface", s.IfaceHandler.HandleSet).Methods(http.MethodPut)
	api.HandleFunc("/iface/monitor", s.IfaceHandler.HandleMonitor).Methods(http.MethodPost)
	api.HandleFunc("/iface/clone", s.IfaceHandler.HandleClone).Methods(http.MethodPost)
	api.HandleFunc("/channel", s.IfaceHandler.HandleChannel).Methods(http.MethodPost)

	// Defense and thresholds
	api.HandleFunc("/defense", s.ConfigHandler.HandleGetDefense).Methods(http.MethodGet)
	api.HandleFunc("/defense", s.ConfigHandler.HandleSetDefense).Methods(http.MethodPut)
	api.HandleFunc("/thresholds/deauth", s.ConfigHandler.HandleGetDeauth).Methods(http.MethodGet)
	api.HandleFunc("/thresholds/deauth", s.ConfigHandler.HandleSetDeauth).Methods(http.MethodPut)

	// Data
	api.HandleFunc("/overview", s.DataHandler.HandleOverview).Methods(http.MethodGet)
	api.HandleFunc("/events", s.DataHandler.HandleEvents).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.DataHandler.HandleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.DataHandler.HandleLogs).Methods(http.MethodGet)
	api.HandleFunc("/alerts/stream", s.WSManager.HandleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id:[0-9]+}/ack", s.DataHandler.HandleAck).Methods(http.MethodPost)

	// Writes that fan out to notifiers or drop data are rate limited
	limited := middleware.RateLimitMiddleware(middleware.NewRateLimiter(10, time.Minute))
	api.Handle("/alerts/test", limited(http.HandlerFunc(s.DataHandler.HandleTestAlert))).Methods(http.MethodPost)
	api.Handle("/clear", limited(http.HandlerFunc(s.DataHandler.HandleClear))).Methods(http.MethodPost)

	r.Handle("/metrics", auth(promhttp.Handler())).Methods(http.MethodGet)

	return r
}

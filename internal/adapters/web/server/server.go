package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mardigiorgio/PiGuard/internal/adapters/web/handlers"
	ws "github.com/mardigiorgio/PiGuard/internal/adapters/web/websocket"
	"github.com/mardigiorgio/PiGuard/internal/core/services/control"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the control service over HTTP and the alert stream over a
// websocket.
type Server struct {
	Addr    string
	Service *control.Service
	logger  *slog.Logger

	WSManager     *ws.WSManager
	IfaceHandler  *handlers.IfaceHandler
	ConfigHandler *handlers.ConfigHandler
	DataHandler   *handlers.DataHandler
}

// NewServer creates a new web server.
func NewServer(addr string, service *control.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:          addr,
		Service:       service,
		logger:        logger.With("component", "web"),
		WSManager:     ws.NewWSManager(service, logger),
		IfaceHandler:  handlers.NewIfaceHandler(service),
		ConfigHandler: handlers.NewConfigHandler(service),
		DataHandler:   handlers.NewDataHandler(service),
	}
}

func (s *Server) String() string { return "web-server" }

// apiKey is looked up per request so a reloaded key applies at once.
func (s *Server) apiKey() string {
	return s.Service.Config().API.APIKey
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(SetupRoutes(s), "piguard-api")
}

// Serve listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(s.WSManager.Close)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("web server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("web server shutdown", "error", err)
	}
	<-errc
	return ctx.Err()
}

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts handshakes without an Origin header (non-browser
// clients) and those whose origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// AlertSubscriber hands out live alert feeds.
type AlertSubscriber interface {
	SubscribeAlerts() (<-chan domain.Alert, func())
}

// WSManager streams alerts to websocket clients. Each client gets its own
// broker subscription, so a slow reader only loses its own messages.
type WSManager struct {
	Feed   AlertSubscriber
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewWSManager(feed AlertSubscriber, logger *slog.Logger) *WSManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSManager{
		Feed:    feed,
		logger:  logger.With("component", "ws"),
		clients: make(map[string]*websocket.Conn),
		done:    make(chan struct{}),
	}
}

// Clients reports the number of connected streams.
func (m *WSManager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Close tells every stream to send a close frame and waits for them to exit.
// Hijacked connections are not closed by http.Server.Shutdown.
func (m *WSManager) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	})
	m.wg.Wait()
}

func (m *WSManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-m.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		conn.Close()
		return
	default:
	}
	m.clients[id] = conn
	m.wg.Add(1)
	m.mu.Unlock()

	alerts, unsubscribe := m.Feed.SubscribeAlerts()
	m.logger.Info("stream connected", "client", id, "remote", r.RemoteAddr)
	go m.serve(id, conn, alerts, unsubscribe)
}

func (m *WSManager) serve(id string, conn *websocket.Conn, alerts <-chan domain.Alert, unsubscribe func()) {
	defer func() {
		unsubscribe()
		m.mu.Lock()
		delete(m.clients, id)
		m.mu.Unlock()
		conn.Close()
		m.logger.Info("stream disconnected", "client", id)
		m.wg.Done()
	}()

	// Reader: only control frames are expected; a read error means the
	// peer went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-m.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			if err := m.write(conn, WSMessage{Type: "alert", Payload: alert}); err != nil {
				m.logger.Debug("stream write failed", "client", id, "error", err)
				return
			}
		}
	}
}

func (m *WSManager) write(conn *websocket.Conn, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WSHub fans door events out to WebSocket clients. Each client belongs to
// the session that opened it.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan interface{}

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	// closeReason is set under the hub lock before send is closed.
	closeReason string
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan interface{}, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client, "server shutdown")
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "session", client.sessionID, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client, "")
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.drop(client, "too slow")
					h.logger.Warn("ws client evicted (too slow)", "session", client.sessionID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes client and closes its send channel. Caller holds h.mu.
func (h *WSHub) drop(client *wsClient, reason string) {
	delete(h.clients, client)
	client.closeReason = reason
	close(client.send)
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues msg for every client, dropping it if the hub is backed up.
func (h *WSHub) Broadcast(msg interface{}) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// CloseSession disconnects every client opened with sessionID.
func (h *WSHub) CloseSession(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for client := range h.clients {
		if client.sessionID == sessionID {
			h.drop(client, "signed out")
			n++
		}
	}
	if n > 0 {
		h.logger.Info("ws clients closed on sign out", "session", sessionID, "count", n)
	}
	return n
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
		return
	}
	_, sessionID, err := s.auth.GetCurrentUser(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 64),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}

	s.wsHub.mu.RLock()
	reason := client.closeReason
	s.wsHub.mu.RUnlock()
	status := websocket.StatusNormalClosure
	if reason == "signed out" {
		status = websocket.StatusPolicyViolation
	}
	client.conn.Close(status, reason)
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clients only listen; anything they send is discarded.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}

// Package web serves the JSON API and the WebSocket event stream used by the
// door dashboard and by the door firmware.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"iot-door/internal/auth"
	"iot-door/internal/automation"
	"iot-door/internal/door"
	"iot-door/internal/settings"
	"iot-door/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithDeviceAPIKey sets the key the door firmware sends in X-API-Key.
// Device endpoints reject every request while it is empty.
func WithDeviceAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.deviceAPIKey = key
	}
}

// WithAllowedOrigins sets the CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server.
type Server struct {
	door      *door.Reconciler
	auth      *auth.Service
	settings  *settings.Service
	accessLog *store.AccessLog
	events    *door.EventBus

	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	deviceAPIKey   string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string

	wg            sync.WaitGroup
	unsubEvents   func()
	unsubSessions func()
}

func NewServer(rec *door.Reconciler, authSvc *auth.Service, settingsSvc *settings.Service, accessLog *store.AccessLog, events *door.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		door:      rec,
		auth:      authSvc,
		settings:  settingsSvc,
		accessLog: accessLog,
		events:    events,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = events.OnAll(func(event door.Event) {
		s.wsHub.Broadcast(event)
	})
	s.unsubSessions = authSvc.OnSessionChange(func(c auth.SessionChange) {
		if c.Session == nil {
			s.wsHub.CloseSession(c.SessionID)
		}
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it to exit.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	if s.unsubSessions != nil {
		s.unsubSessions()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Auth
	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignUp)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/magic-link", s.handleMagicLink)
	s.mux.HandleFunc("POST /api/auth/magic-link/verify", s.handleMagicLinkVerify)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/auth/session", s.requireSession(s.handleSession))

	// Door
	s.mux.HandleFunc("GET /api/door", s.requireSession(s.handleDoorSnapshot))
	s.mux.HandleFunc("GET /api/door/devices", s.requireSession(s.handleDoorDevices))
	s.mux.HandleFunc("POST /api/door/open", s.requireSession(s.handleDoorCommand(door.ActionOpen)))
	s.mux.HandleFunc("POST /api/door/close", s.requireSession(s.handleDoorCommand(door.ActionClose)))
	s.mux.HandleFunc("GET /api/door/commands", s.requireSession(s.handleDoorCommands))

	// Logs
	s.mux.HandleFunc("GET /api/logs", s.requireSession(s.handleLogsHistory))
	s.mux.HandleFunc("GET /api/logs/recent", s.requireSession(s.handleLogsRecent))
	s.mux.HandleFunc("GET /api/logs/store", s.requireSession(s.handleLogsStore))
	s.mux.HandleFunc("GET /api/alerts", s.requireSession(s.handleAlerts))

	// Settings
	s.mux.HandleFunc("PUT /api/settings/password", s.requireSession(s.handleChangePassword))
	s.mux.HandleFunc("GET /api/settings/rfid", s.requireSession(s.handleListRFID))
	s.mux.HandleFunc("POST /api/settings/rfid", s.requireSession(s.handleAddRFID))
	s.mux.HandleFunc("DELETE /api/settings/rfid/{tag}", s.requireSession(s.handleRemoveRFID))

	// Door firmware
	s.mux.HandleFunc("GET /api/device/settings", s.requireDeviceKey(s.handleDeviceSettings))
	s.mux.HandleFunc("POST /api/device/access-logs", s.requireDeviceKey(s.handleDeviceAccessLog))

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.requireSession(s.handleAPIListAutomations))
	s.mux.HandleFunc("GET /api/automations/{id}", s.requireSession(s.handleAPIGetAutomation))
	s.mux.HandleFunc("POST /api/automations", s.requireSession(s.handleAPICreateAutomation))
	s.mux.HandleFunc("PUT /api/automations/{id}", s.requireSession(s.handleAPIUpdateAutomation))
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.requireSession(s.handleAPIDeleteAutomation))
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.requireSession(s.handleAPIToggleAutomation))
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.requireSession(s.handleAPIRunAutomation))

	// WebSocket, authenticated by ?token= since browsers cannot set headers
	// on the upgrade request.
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying the CORS origin check.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if !s.isOriginAllowed(origin) {
				if r.Method != http.MethodGet {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, user *auth.User)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// requireSession resolves the bearer token to a user or answers 401.
func (s *Server) requireSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		user, _, err := s.auth.GetCurrentUser(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r, user)
	}
}

func (s *Server) requireDeviceKey(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.deviceAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.deviceAPIKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrSessionInvalid),
		errors.Is(err, auth.ErrMagicLinkInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, settings.ErrDuplicateTag):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, door.ErrUnknownAction),
		errors.Is(err, settings.ErrEmptyPassword),
		errors.Is(err, settings.ErrEmptyTag),
		errors.Is(err, automation.ErrInvalidScriptID):
		return http.StatusBadRequest
	case errors.Is(err, door.ErrUnknownDevice),
		errors.Is(err, automation.ErrScriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, door.ErrNotRunning),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the mapped status. Internal errors are logged and
// not echoed to the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

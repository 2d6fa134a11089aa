package web

import (
	"net/http"
	"strconv"

	"iot-door/internal/auth"
	"iot-door/internal/door"
	"iot-door/internal/store"
)

// deviceParam returns ?device=, defaulting to the first configured door.
func (s *Server) deviceParam(r *http.Request) string {
	if id := r.URL.Query().Get("device"); id != "" {
		return id
	}
	if ids := s.door.Devices(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func (s *Server) handleDoorSnapshot(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	snap, err := s.door.Snapshot(r.Context(), s.deviceParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDoorDevices(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	s.writeJSON(w, http.StatusOK, s.door.Devices())
}

// handleDoorCommand issues action on behalf of the signed-in user. The
// response only means the command was sent; watch the snapshot or the
// WebSocket stream for the device's confirmation.
func (s *Server) handleDoorCommand(action string) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, user *auth.User) {
		cmd, err := s.door.IssueCommand(r.Context(), s.deviceParam(r), action, user.ID)
		if err != nil {
			if cmd.ID != "" {
				s.logger.Error("command issued but access log failed", "command", cmd.ID, "err", err)
				s.writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error":   "access log write failed",
					"command": cmd,
				})
				return
			}
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, cmd)
	}
}

func (s *Server) handleDoorCommands(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	cmds, err := s.door.Commands(s.deviceParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	s.writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleLogsHistory(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	logs, err := s.door.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	logs, err := s.door.RecentLogs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// handleLogsStore queries the audit store directly. limit defaults to
// door.RecentLimit; 0 returns everything.
func (s *Server) handleLogsStore(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	limit := door.RecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	logs, err := s.accessLog.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	alerts, err := s.door.ListAlerts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user *auth.User) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.settings.ChangeDoorPassword(req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("door password changed", "user", user.ID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRFID(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	s.writeRFIDTags(w, http.StatusOK)
}

func (s *Server) handleAddRFID(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.settings.AddRFIDTag(req.Tag); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRFIDTags(w, http.StatusCreated)
}

func (s *Server) handleRemoveRFID(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if err := s.settings.RemoveRFIDTag(r.PathValue("tag")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRFIDTags(w, http.StatusOK)
}

func (s *Server) writeRFIDTags(w http.ResponseWriter, status int) {
	tags, err := s.settings.RFIDTags()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, status, map[string][]string{"rfid_tag": tags})
}

// deviceSettings is what the firmware reads: the keypad password in clear.
type deviceSettings struct {
	ID           int      `json:"id"`
	DoorPassword string   `json:"door_password"`
	RFIDTags     []string `json:"rfid_tag"`
}

func (s *Server) handleDeviceSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.Settings()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deviceSettings{ID: st.ID, DoorPassword: st.DoorPassword, RFIDTags: st.RFIDTags})
}

// handleDeviceAccessLog records an event the door handled locally (keypad,
// RFID, emergency button). The reconciler picks it up from the insert
// notification.
func (s *Server) handleDeviceAccessLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Method string `json:"method"`
		Status string `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Method == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "method is required"})
		return
	}
	entry, err := s.accessLog.Insert(r.Context(), store.AccessLogEntry{
		UserID: req.UserID,
		Method: req.Method,
		Status: req.Status,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

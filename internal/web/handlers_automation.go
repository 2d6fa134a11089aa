package web

import (
	"net/http"

	"iot-door/internal/auth"
	"iot-door/internal/automation"
)

// automationView adds the engine's view of a script to its stored form.
type automationView struct {
	*automation.Script
	Running   bool   `json:"running"`
	LoadError string `json:"load_error,omitempty"`
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) automationsEnabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return false
	}
	return true
}

func (s *Server) view(sc *automation.Script, loadErr error) automationView {
	v := automationView{Script: sc, Running: s.autoEngine.Running(sc.ID)}
	if loadErr != nil {
		v.LoadError = loadErr.Error()
	}
	return v
}

// reload restarts a saved script and reports why it failed to load, if it did.
func (s *Server) reload(sc *automation.Script) automationView {
	err := s.autoEngine.ReloadScript(sc.ID)
	if err != nil {
		s.logger.Warn("script failed to load", "id", sc.ID, "err", err)
	}
	return s.view(sc, err)
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, []automationView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]automationView, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, s.view(sc, nil))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if !s.automationsEnabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(sc, nil))
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if !s.automationsEnabled(w) {
		return
	}
	var req saveAutomationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.reload(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if !s.automationsEnabled(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req saveAutomationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.reload(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if !s.automationsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.autoEngine.StopScript(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if !s.automationsEnabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.reload(saved))
}

// handleAPIRunAutomation runs a script once in a throwaway VM. The id
// "_inline" runs lua_code from the request body instead.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if !s.automationsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}

	if _, err := s.scriptMgr.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}

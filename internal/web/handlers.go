package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// sessionJSON is the wire shape of one registry row.
type sessionJSON struct {
	ID             string     `json:"id"`
	Agent          string     `json:"agent"`
	Provider       string     `json:"provider,omitempty"`
	Project        string     `json:"project,omitempty"`
	WorkDir        string     `json:"workDir"`
	Status         string     `json:"status"`
	AgentSessionID string     `json:"agentSessionId,omitempty"`
	SessionFile    string     `json:"sessionFile,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	DeltasCreated  int        `json:"deltasCreated"`
	DeltasSynced   int        `json:"deltasSynced"`
	DeltasFailed   int        `json:"deltasFailed"`
}

func rowJSON(row *statedb.SessionRow) sessionJSON {
	out := sessionJSON{
		ID:             row.ID,
		Agent:          row.Agent,
		Provider:       row.Provider,
		Project:        row.Project,
		WorkDir:        row.WorkDir,
		Status:         row.Status,
		AgentSessionID: row.AgentSessionID,
		SessionFile:    row.SessionFile,
		StartedAt:      row.StartedAt,
		DeltasCreated:  row.DeltasCreated,
		DeltasSynced:   row.DeltasSynced,
		DeltasFailed:   row.DeltasFailed,
	}
	if !row.EndedAt.IsZero() {
		ended := row.EndedAt
		out.EndedAt = &ended
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	rows, err := s.cfg.Registry.LoadSessions()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load sessions")
		return
	}
	out := make([]sessionJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowJSON(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	rows, err := s.cfg.Registry.LoadSessions()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load sessions")
		return
	}
	for _, row := range rows {
		if row.ID != id {
			continue
		}
		resp := map[string]any{"session": rowJSON(row)}
		if last, count, err := s.cfg.Registry.LastProxyActivity(id); err == nil && count > 0 {
			resp["proxy"] = map[string]any{
				"lastRequest":  last.UTC().Format(time.RFC3339),
				"requestCount": count,
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
}

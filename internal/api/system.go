package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

type logLevelRequest struct {
	Level string `json:"level"`
}

// handleSetLogLevel changes the process log level without a restart.
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	switch strings.ToLower(req.Level) {
	case "debug", "info", "warn", "error":
	default:
		writeBadRequest(w, "level must be debug, info, warn or error")
		return
	}

	s.logger.SetLevel(req.Level)
	s.logger.Info("log level changed", "level", s.logger.Level().String())
	writeJSON(w, http.StatusOK, map[string]string{"level": strings.ToLower(s.logger.Level().String())})
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/ad8x-bridge/internal/audit"
)

// handleListAudit returns recorded commands, newest first.
//
// Query parameters: amp, command, result, since (RFC 3339), limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command audit log is disabled")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Amp:     q.Get("amp"),
		Command: q.Get("command"),
		Result:  q.Get("result"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = t
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeBadRequest(w, name+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}

	res, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing command audit", "error", err)
		writeInternalError(w, "failed to list command audit")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
)

type ampResponse struct {
	ad8x.AmpHealth
	Zones []ad8x.ZoneSnapshot `json:"zones"`
}

// commandRequest is the body of a zone command. Value may be a string,
// number or bool; it is passed to the router in its text form.
type commandRequest struct {
	Value json.RawMessage `json:"value"`
}

type rawRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleListAmps(w http.ResponseWriter, _ *http.Request) {
	health := s.amps.AmpHealth()
	out := make([]ampResponse, 0, len(health))
	for _, h := range health {
		zones, err := s.amps.Zones(h.ID)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		out = append(out, ampResponse{AmpHealth: h, Zones: zones})
	}
	writeJSON(w, http.StatusOK, map[string]any{"amps": out, "count": len(out)})
}

func (s *Server) handleGetAmp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "amp")
	for _, h := range s.amps.AmpHealth() {
		if h.ID != id {
			continue
		}
		zones, err := s.amps.Zones(id)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ampResponse{AmpHealth: h, Zones: zones})
		return
	}
	writeCommandError(w, fmt.Errorf("%w: %q", ad8x.ErrUnknownAmp, id))
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	zone, ok := zoneParam(w, r)
	if !ok {
		return
	}
	snap, err := s.amps.Zone(chi.URLParam(r, "amp"), zone)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleZoneCommand runs one command on a zone and returns the zone's
// cached state afterwards.
func (s *Server) handleZoneCommand(w http.ResponseWriter, r *http.Request) {
	zone, ok := zoneParam(w, r)
	if !ok {
		return
	}

	payload, err := decodeCommandValue(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ampID := chi.URLParam(r, "amp")
	in := ad8x.Intent{
		AmpID:   ampID,
		Zone:    zone,
		Command: chi.URLParam(r, "command"),
		Payload: payload,
		Source:  requestSource(r),
	}
	if err := s.amps.Dispatch(r.Context(), in); err != nil {
		writeCommandError(w, err)
		return
	}

	snap, err := s.amps.Zone(ampID, zone)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": ad8x.ResultOK, "zone": snap})
}

func (s *Server) handleAllOff(w http.ResponseWriter, r *http.Request) {
	if err := s.amps.AllOff(r.Context(), requestSource(r)); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": ad8x.ResultOK})
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	var req rawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeBadRequest(w, "command is required")
		return
	}

	reply, err := s.amps.Raw(r.Context(), chi.URLParam(r, "amp"), req.Command, requestSource(r))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func zoneParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	zone, err := strconv.Atoi(chi.URLParam(r, "zone"))
	if err != nil || !ad8x.ValidZone(zone) {
		writeBadRequest(w, fmt.Sprintf("zone must be 1..%d", ad8x.NumZones))
		return 0, false
	}
	return zone, true
}

// decodeCommandValue reads the optional {"value": ...} body. An empty body
// yields an empty payload.
func decodeCommandValue(body io.Reader) (string, error) {
	var req commandRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", errors.New("invalid JSON body")
	}
	if len(req.Value) == 0 || string(req.Value) == "null" {
		return "", nil
	}
	var str string
	if json.Unmarshal(req.Value, &str) == nil {
		return str, nil
	}
	return string(req.Value), nil
}

// requestSource tags intents with the API and, when known, the token subject.
func requestSource(r *http.Request) string {
	if claims := claimsFromContext(r.Context()); claims != nil {
		return ad8x.SourceAPI + ":" + claims.Subject
	}
	return ad8x.SourceAPI
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
)

// Error is the JSON body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeRejected     = "rejected"
	ErrCodeDeviceError  = "device_error"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCommandError maps a bridge error onto an HTTP status.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ad8x.ErrUnknownAmp):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, ad8x.ErrInvalidZone),
		errors.Is(err, ad8x.ErrInvalidPayload),
		errors.Is(err, ad8x.ErrUnknownCommand):
		writeBadRequest(w, err.Error())
	case errors.Is(err, ad8x.ErrPolicyRejected):
		writeError(w, http.StatusConflict, ErrCodeRejected, err.Error())
	case errors.Is(err, ad8x.ErrConnect),
		errors.Is(err, ad8x.ErrTransport),
		errors.Is(err, ad8x.ErrNotConnected),
		errors.Is(err, ad8x.ErrProtocolParse):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
	case errors.Is(err, ad8x.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}

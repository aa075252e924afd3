// Package httputil writes JSON responses for the voicediary control API.
//
// Every error response goes through Error or ServerError so that it is
// logged with request context and returned as JSON the UI can parse:
//
//	httputil.Error(w, r, logger, http.StatusConflict, "already recording",
//	    "WHY: Start called while a session is still recording or uploading")
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error logs and writes a JSON error response.
//
// reason is returned to the client. why is an internal explanation that is
// logged but never sent; it says which condition produced the error.
// 4xx responses log at Warn, everything else at Error.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, reason string, why string) {
	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	logger.Log(r.Context(), level, reason,
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"why", why,
	)
	WriteJSON(w, status, ErrorBody{Error: reason, Status: status})
}

// ServerError writes a 500 for unexpected failures. err is logged but not
// returned, since it may carry paths or upstream response bodies.
func ServerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string, why string, err error) {
	StatusError(w, r, logger, http.StatusInternalServerError, reason, why, err)
}

// StatusError is ServerError with a caller-chosen status, for failures of
// upstream services (502, 503) where the cause should still be logged.
func StatusError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, reason string, why string, err error) {
	logger.Error(reason,
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"why", why,
		"error", err,
	)
	WriteJSON(w, status, ErrorBody{Error: reason, Status: status})
}

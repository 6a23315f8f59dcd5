package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/splax/bothost/internal/service/deploy"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps orchestrator errors onto status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, deploy.ErrActiveDeployment):
		writeError(w, http.StatusConflict, "server already has an active deployment")
	case errors.Is(err, deploy.ErrNotRunning):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "deployment is not running",
			"ignored": true,
		})
	case errors.Is(err, deploy.ErrArchiveTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "archive too large")
	case errors.Is(err, deploy.ErrInvalidArchive), errors.Is(err, deploy.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deploy.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request cancelled before completion")
	default:
		r.logger.Error("deployment operation failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Package api provides HTTP handlers for the outreach API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/containerd/errdefs"

	"github.com/ashureev/outreach/internal/registry"
	"github.com/ashureev/outreach/internal/workflow"
)

const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain and errdefs errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidKey),
		errors.Is(err, workflow.ErrInvalidDecision),
		errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotStarted), errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrNoPendingApproval),
		errors.Is(err, workflow.ErrAlreadyRunning),
		errors.Is(err, workflow.ErrNotResumable),
		errdefs.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrClosed), errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError logs server-side failures and answers with the mapped status. Client errors
// carry their message; server errors do not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, status, http.StatusText(status))
		return
	}
	Error(w, status, err.Error())
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

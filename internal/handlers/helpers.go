package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/skillforge/internal/models"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError maps a service error onto its HTTP status and writes the
// standard error body. Stack traces and wrapped causes never leave the
// process.
func WriteError(w http.ResponseWriter, err error) error {
	kind := models.KindOf(err)
	return WriteJSON(w, models.HTTPStatus(kind), map[string]string{
		"error": models.MessageOf(err),
		"kind":  string(kind),
	})
}

// WriteErrorMessage writes an error body with an explicit status code.
func WriteErrorMessage(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(r *http.Request, into interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return models.WrapError(models.KindInvalidInput, err, "invalid JSON request body")
	}
	return nil
}

// PathParam extracts the path segment following a route prefix, e.g.
// PathParam("/api/v1/jobs/", "/api/v1/jobs/job_123/cancel") -> "job_123".
func PathParam(prefix, path string) string {
	rest := strings.TrimPrefix(path, prefix)
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// QueryInt reads an integer query parameter with a fallback.
func QueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

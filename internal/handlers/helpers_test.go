package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/skillforge/internal/models"
)

func TestWriteErrorMapsKindsToStatusCodes(t *testing.T) {
	tests := []struct {
		kind   models.ErrorKind
		status int
	}{
		{models.KindInvalidInput, http.StatusBadRequest},
		{models.KindNotFound, http.StatusNotFound},
		{models.KindConflictingState, http.StatusConflict},
		{models.KindValidationFailed, http.StatusUnprocessableEntity},
		{models.KindPathUnsafe, http.StatusUnprocessableEntity},
		{models.KindDependencyCycle, http.StatusUnprocessableEntity},
		{models.KindStorageUnavailable, http.StatusServiceUnavailable},
		{models.KindInternal, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, models.NewError(tc.kind, "boom"))

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "boom", body["error"])
			assert.Equal(t, string(tc.kind), body["kind"])
		})
	}
}

func TestWriteErrorHidesWrappedCause(t *testing.T) {
	wrapped := models.WrapError(models.KindStorageUnavailable,
		assert.AnError, "save job")

	rec := httptest.NewRecorder()
	WriteError(rec, wrapped)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body["error"], assert.AnError.Error())
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/skills",
		strings.NewReader(`{"task_description":"x","surprise":true}`))

	var payload struct {
		TaskDescription string `json:"task_description"`
	}
	err := DecodeJSON(req, &payload)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/skills", strings.NewReader("{"))

	var payload struct{}
	err := DecodeJSON(req, &payload)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
}

func TestPathParam(t *testing.T) {
	assert.Equal(t, "job_123", PathParam("/api/v1/jobs/", "/api/v1/jobs/job_123/cancel"))
	assert.Equal(t, "job_123", PathParam("/api/v1/jobs/", "/api/v1/jobs/job_123"))
	assert.Equal(t, "", PathParam("/api/v1/jobs/", "/api/v1/jobs/"))
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/jobs?limit=25&offset=-3&bad=x", nil)

	assert.Equal(t, 25, QueryInt(req, "limit", 50))
	assert.Equal(t, 0, QueryInt(req, "offset", 0))   // negative falls back
	assert.Equal(t, 50, QueryInt(req, "bad", 50))    // non-numeric falls back
	assert.Equal(t, 50, QueryInt(req, "missing", 50))
}

func TestHealthAndVersionHandlers(t *testing.T) {
	h := NewAPIHandler()

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	rec = httptest.NewRecorder()
	h.VersionHandler(rec, httptest.NewRequest("GET", "/api/v1/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var version map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	assert.NotEmpty(t, version["version"])
}

func TestRequireMethodRejectsMismatch(t *testing.T) {
	rec := httptest.NewRecorder()
	ok := RequireMethod(rec, httptest.NewRequest("POST", "/api/v1/health", nil), "GET")

	assert.False(t, ok)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

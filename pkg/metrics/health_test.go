package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReflectsComponents(t *testing.T) {
	RegisterComponent("storage", true, "")
	RegisterComponent("registry", true, "")
	RegisterComponent("api", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)

	UpdateComponent("storage", false, "database closed")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["storage"], "database closed")

	UpdateComponent("storage", true, "")
}

func TestReadinessWaitsForCriticalComponents(t *testing.T) {
	RegisterComponent("storage", true, "")
	RegisterComponent("registry", true, "")
	RegisterComponent("api", true, "")

	ready := GetReadiness()
	assert.Equal(t, "ready", ready.Status)

	UpdateComponent("registry", false, "not listening")
	ready = GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)
	assert.Contains(t, ready.Message, "registry")

	UpdateComponent("registry", true, "")
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	RegisterComponent("storage", true, "")
	RegisterComponent("registry", true, "")
	RegisterComponent("api", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)

	UpdateComponent("api", false, "listener down")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	UpdateComponent("api", true, "")
}

func TestLivenessAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

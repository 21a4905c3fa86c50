package main

import (
	"go-bms-telemetry/internal/api"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/internal/hub"
	"go-bms-telemetry/internal/ingest"
	"go-bms-telemetry/internal/metrics"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, staticDir string) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New()
	h := hub.NewHub(&logger, m, 4)
	t.Cleanup(h.Close)
	svc := ingest.NewService(&logger, db.NewMemoryStore(), ingest.Options{Metrics: m, Publishers: []ingest.Publisher{h}})
	return configureRouter(api.NewHandler(&logger, svc, h), m, staticDir)
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestPing(t *testing.T) {
	status, body := get(t, newRouter(t, ""), "/ping")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Pong!", body)
}

func TestMetricsCountIngestion(t *testing.T) {
	app := newRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/battery-data",
		strings.NewReader(`{"timestamp":"2024-01-01T00:00:00Z","voltage":3.7,"soc":50}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "bms_samples_ingested_total 1")
}

func TestStaticAssets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>bms</h1>"), 0o600))

	status, body := get(t, newRouter(t, dir), "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "<h1>bms</h1>")

	status, _ = get(t, newRouter(t, dir), "/latest-data")
	assert.Equal(t, http.StatusOK, status, "api routes win over static files")
}

func TestErrorsAreJSON(t *testing.T) {
	app := newRouter(t, "")
	app.Get("/encode-failure", func(c *fiber.Ctx) error {
		return c.JSON(math.NaN())
	})

	status, body := get(t, app, "/encode-failure")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Internal error"}`, body)
	assert.NotContains(t, body, "json:")

	status, body = get(t, app, "/no-such-route")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Cannot GET /no-such-route"}`, body)
}

func TestBodyLimitIsJSON(t *testing.T) {
	app := newRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/battery-data",
		strings.NewReader(strings.Repeat(" ", fiber.DefaultBodyLimit+1)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Request Entity Too Large"}`, string(body))
}

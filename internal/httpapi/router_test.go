package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model_optimizer/internal/auth"
	"model_optimizer/internal/config"
	"model_optimizer/internal/storage"
)

const testSecret = "httpapi-test-secret-0123456789"

const testCatalog = `
version: "%s"
models:
  - id: model-premium
    provider: acme
    cost_per_input_unit: 0.00003
    cost_per_output_unit: 0.00006
    task_types: [email_writing, general]
    quality_prior: 85
    latency_class: medium
  - id: model-economy
    provider: budget
    cost_per_input_unit: 0.000001
    cost_per_output_unit: 0.000002
    task_types: [email_writing, general]
    quality_prior: 65
    latency_class: fast
`

func catalogDoc(version string) string {
	return fmt.Sprintf(testCatalog, version)
}

func writeCatalog(t *testing.T, version string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogDoc(version)), 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Registry.CatalogFile = writeCatalog(t, "v1")
	cfg.Auth.JWTSecret = testSecret
	cfg.Router.Epsilon = 0
	cfg.Tracker.MinSamples = 3
	cfg.Queue.BatchTimeout = 50 * time.Millisecond
	return cfg
}

type testServer struct {
	*httptest.Server
	deps *Dependencies
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	deps, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, deps.Close(context.Background())) })

	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, deps: deps}
}

func (s *testServer) token(t *testing.T, role auth.Role) string {
	t.Helper()
	token, _, err := auth.IssueOperatorToken("tester", []auth.Role{role}, s.deps.Token)
	require.NoError(t, err)
	return token
}

// do sends body as JSON unless it is already a string.
func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Router.Epsilon = 2

	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "router.epsilon")
}

func TestBuild_MissingCatalogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to load catalog")
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	status, body := srv.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	health := decode[map[string]interface{}](t, body)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "v1", health["registry_version"])

	// Generate one instrumented request before scraping
	srv.do(t, http.MethodGet, "/v1/dashboard", "", nil)

	status, body = srv.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "optimizer_http_requests_total")
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	srv := newTestServer(t, cfg)

	status, _ := srv.do(t, http.MethodGet, "/admin/abtests", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	status, _ := srv.do(t, http.MethodGet, "/admin/registry", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	viewer := srv.token(t, auth.RoleViewer)
	status, _ = srv.do(t, http.MethodGet, "/admin/registry", viewer, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = srv.do(t, http.MethodPost, "/admin/registry/reload", viewer, catalogDoc("v2"))
	assert.Equal(t, http.StatusForbidden, status)
}

func TestBuild_WithSQLitePersistence(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "optimizer.db")

	cfg := testConfig(t)
	cfg.Database.URL = dsn
	cfg.Database.Driver = storage.DriverSQLite
	cfg.ABTest.StoreBackend = config.BackendSQL
	cfg.Registry.PersistSnapshots = true

	srv := newTestServer(t, cfg)
	operator := srv.token(t, auth.RoleOperator)

	status, body := srv.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	checks := decode[map[string]interface{}](t, body)["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])

	status, body = srv.do(t, http.MethodGet, "/admin/dlq", operator, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, body)["total_count"])

	status, _ = srv.do(t, http.MethodPost, "/admin/dlq/missing/retry", operator, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = srv.do(t, http.MethodPost, "/admin/abtests", operator, map[string]interface{}{
		"name":      "sql-backed",
		"task_type": "email_writing",
		"variants":  []string{"model-premium", "model-economy"},
		"weights":   []float64{0.5, 0.5},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	// A restart without a catalog file comes back with the persisted
	// snapshot and the stored experiment.
	require.NoError(t, srv.deps.Close(context.Background()))

	restart := testConfig(t)
	restart.Database.URL = dsn
	restart.Database.Driver = storage.DriverSQLite
	restart.ABTest.StoreBackend = config.BackendSQL
	restart.Registry.CatalogFile = ""

	srv2 := newTestServer(t, restart)
	assert.Equal(t, "v1", srv2.deps.Registry.Version())

	status, body = srv2.do(t, http.MethodGet, "/admin/abtests?status=running", srv2.token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, body)["total_count"])
}

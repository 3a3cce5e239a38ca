package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdeck/kis-ticker/kis/stream"
	"github.com/kisdeck/kis-ticker/web"
)

// testLogger creates a discard logger for tests
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"KIS_APP_KEY", "KIS_APP_SECRET", "KIS_WS_URL", "KIS_REST_BASE",
		"KIS_SETTINGS_FILE", "KIS_DB_PATH", "KIS_ENCRYPTION_SECRET",
		"KIS_RECONNECT_DELAY", "KIS_RECONNECT_MAX_DELAY",
		"APP_MODE", "APP_PORT", "APP_HOST", "HOST_JWT_SECRET", "EXCLUDED_TOOLS",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	app := NewApp(testLogger())
	require.NoError(t, app.LoadConfig())

	assert.Equal(t, DefaultAppMode, app.Config.AppMode)
	assert.Equal(t, DefaultPort, app.Config.AppPort)
	assert.Equal(t, DefaultHost, app.Config.AppHost)
	assert.Equal(t, stream.DefaultReconnectDelay, app.Config.ReconnectDelay)
	assert.Zero(t, app.Config.ReconnectMaxDelay)
	assert.Zero(t, app.Config.TelegramChatID)
}

func TestLoadConfig_ValidCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("KIS_APP_KEY", "test_key")
	t.Setenv("KIS_APP_SECRET", "test_secret")

	app := NewApp(testLogger())
	require.NoError(t, app.LoadConfig())
	assert.Equal(t, "test_key", app.Config.AppKey)
	assert.Equal(t, "test_secret", app.Config.AppSecret)
}

func TestLoadConfig_HalfCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("KIS_APP_KEY", "test_key")

	app := NewApp(testLogger())
	assert.Error(t, app.LoadConfig())
}

func TestLoadConfig_Durations(t *testing.T) {
	clearEnv(t)
	t.Setenv("KIS_RECONNECT_DELAY", "2s")
	t.Setenv("KIS_RECONNECT_MAX_DELAY", "1m")

	app := NewApp(testLogger())
	require.NoError(t, app.LoadConfig())
	assert.Equal(t, 2*time.Second, app.Config.ReconnectDelay)
	assert.Equal(t, time.Minute, app.Config.ReconnectMaxDelay)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"mode", "APP_MODE", "sse"},
		{"delay", "KIS_RECONNECT_DELAY", "soon"},
		{"zero delay", "KIS_RECONNECT_DELAY", "0s"},
		{"max delay", "KIS_RECONNECT_MAX_DELAY", "-1s"},
		{"chat id", "TELEGRAM_CHAT_ID", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			app := NewApp(testLogger())
			assert.Error(t, app.LoadConfig())
		})
	}
}

func TestLoadConfig_TelegramNeedsChat(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	app := NewApp(testLogger())
	assert.Error(t, app.LoadConfig())

	t.Setenv("TELEGRAM_CHAT_ID", "-1001234")
	app = NewApp(testLogger())
	require.NoError(t, app.LoadConfig())
	assert.Equal(t, int64(-1001234), app.Config.TelegramChatID)
}

func TestNewApp(t *testing.T) {
	app := NewApp(testLogger())
	require.NotNil(t, app.Config)
	assert.Equal(t, "v0.0.0", app.Version)
	assert.False(t, app.startTime.IsZero())
}

func TestSetVersion(t *testing.T) {
	app := NewApp(testLogger())
	app.SetVersion("v1.2.3")
	assert.Equal(t, "v1.2.3", app.Version)
}

func newTestServer(t *testing.T, jwtSecret string) (*httptest.Server, *App) {
	t.Helper()
	clearEnv(t)
	t.Setenv("HOST_JWT_SECRET", jwtSecret)

	app := NewApp(testLogger())
	require.NoError(t, app.LoadConfig())

	manager, mcpServer, err := app.initializeServices()
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)

	handler, cleanup, err := app.setupMux(manager, mcpServer)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, app
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSetupMux_PublicRoutes(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := get(t, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "get_snapshot")
	assert.Contains(t, string(body), "/docs/surfaces")

	resp = get(t, srv.URL+"/docs/configuration", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "KIS_RECONNECT_DELAY")

	resp = get(t, srv.URL+"/docs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, srv.URL+"/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetupMux_OpenAPIWithoutSecret(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := get(t, srv.URL+"/api/surfaces", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/admin/ops/api/overview", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupMux_BearerAuth(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	srv, _ := newTestServer(t, secret)

	resp := get(t, srv.URL+"/api/surfaces", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth, err := web.NewJWTAuth(secret, testLogger())
	require.NoError(t, err)
	token, err := auth.GenerateToken("deck", time.Hour)
	require.NoError(t, err)

	resp = get(t, srv.URL+"/api/surfaces", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/admin/ops/api/overview", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Docs stay public.
	resp = get(t, srv.URL+"/docs/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

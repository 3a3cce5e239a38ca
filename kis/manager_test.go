package kis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/settings"
)

// fakeKIS serves the REST endpoints and the streaming socket.
type fakeKIS struct {
	rest      *httptest.Server
	ws        *httptest.Server
	approvals atomic.Int32
	tokens    atomic.Int32
	received  chan string
}

func newFakeKIS(t *testing.T) *fakeKIS {
	t.Helper()
	f := &fakeKIS{received: make(chan string, 64)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		f.approvals.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"approval_key": "approval-1"})
	})
	mux.HandleFunc("POST /oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		f.tokens.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "token-1", "token_type": "Bearer", "expires_in": 86400})
	})
	mux.HandleFunc("GET /uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": map[string]string{
				"stck_prpr": "71500", "prdy_vrss": "500", "prdy_vrss_sign": "2", "prdy_ctrt": "0.70",
			},
		})
	})
	f.rest = httptest.NewServer(mux)

	upgrader := websocket.Upgrader{}
	f.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case f.received <- string(data):
			default:
			}
		}
	}))
	t.Cleanup(func() {
		f.ws.Close()
		f.rest.Close()
	})
	return f
}

func (f *fakeKIS) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ws.URL, "http")
}

func newTestManager(t *testing.T, f *fakeKIS, dbPath string) *Manager {
	t.Helper()
	m, err := New(Config{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		StreamURL:        f.wsURL(),
		RESTBaseURL:      f.rest.URL,
		DBPath:           dbPath,
		EncryptionSecret: "test-secret",
	})
	require.NoError(t, err)
	return m
}

func surface(m *Manager, id string) (deck.SurfaceInfo, bool) {
	for _, s := range m.Surfaces() {
		if s.ID == id {
			return s, true
		}
	}
	return deck.SurfaceInfo{}, false
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestManagerCredentialsUnblockSurfaces(t *testing.T) {
	f := newFakeKIS(t)
	m := newTestManager(t, f, filepath.Join(t.TempDir(), "kis.db"))
	defer m.Shutdown()

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	spec := deck.Spec{ID: "ctx-1", Instrument: quote.Instrument{Market: quote.Domestic, Code: "005930", Name: "삼성전자"}}
	require.NoError(t, m.Deck().Appear(ctx, spec))

	info, ok := surface(m, "ctx-1")
	require.True(t, ok)
	assert.Equal(t, "credentials", info.Blocked)

	m.Settings().Set(settings.Credentials{AppKey: "key", AppSecret: "secret"})
	m.Wait()

	require.Eventually(t, func() bool {
		info, ok := surface(m, "ctx-1")
		return ok && info.HasPrice && info.Blocked == ""
	}, 5*time.Second, 20*time.Millisecond)

	info, _ = surface(m, "ctx-1")
	assert.Equal(t, "71500", info.Price)
	assert.Equal(t, quote.Rise, info.Sign)

	select {
	case msg := <-f.received:
		assert.Contains(t, msg, "005930")
		assert.Contains(t, msg, "approval-1")
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	require.Eventually(t, func() bool {
		_, ok := m.Hub().Image("ctx-1")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	st := m.StreamStatus()
	assert.True(t, st.Connected)
	assert.True(t, m.HasCredentials())
	assert.Equal(t, int32(1), f.tokens.Load())
}

func TestManagerRestoresPersistedState(t *testing.T) {
	f := newFakeKIS(t)
	dbPath := filepath.Join(t.TempDir(), "kis.db")
	ctx := context.Background()

	first := newTestManager(t, f, dbPath)
	require.NoError(t, first.Start(ctx))
	first.Settings().Set(settings.Credentials{AppKey: "key", AppSecret: "secret"})
	first.Wait()

	req := httptest.NewRequest(http.MethodPost, "/api/surfaces/ctx-9", strings.NewReader(`{"market":"domestic","code":"005930"}`))
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	first.Host().RegisterRoutes(mux, nil)
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first.Wait()
	require.Equal(t, int32(1), f.tokens.Load())
	first.Shutdown()

	second := newTestManager(t, f, dbPath)
	defer second.Shutdown()
	assert.True(t, second.HasCredentials(), "credentials load from the database")

	require.NoError(t, second.Start(ctx))
	second.Wait()

	info, ok := surface(second, "ctx-9")
	require.True(t, ok)
	assert.Equal(t, "005930", info.Instrument.Code)
	require.Eventually(t, func() bool {
		info, _ := surface(second, "ctx-9")
		return info.HasPrice
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), f.tokens.Load(), "cached token is reused")
}

func TestManagerShutdownIsIdempotent(t *testing.T) {
	f := newFakeKIS(t)
	m := newTestManager(t, f, "")
	require.NoError(t, m.Start(context.Background()))
	m.Shutdown()
	assert.NotPanics(t, m.Shutdown)
}

func TestManagerSnapshot(t *testing.T) {
	f := newFakeKIS(t)
	m := newTestManager(t, f, "")
	defer m.Shutdown()
	m.Settings().Set(settings.Credentials{AppKey: "key", AppSecret: "secret"})

	q, err := m.Snapshot(context.Background(), quote.Instrument{Code: "005930"})
	require.NoError(t, err)
	assert.Equal(t, "71500", q.Price.String())

	assert.ErrorIs(t, m.RefreshSurface(context.Background(), "missing"), deck.ErrUnknownSurface)
}

package settings

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdeck/kis-ticker/kis/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetNotifiesOnlyOnChange(t *testing.T) {
	s := NewStore()
	var got []Credentials
	s.OnChange(func(c Credentials) { got = append(got, c) })

	s.Set(Credentials{AppKey: " key ", AppSecret: "secret"})
	s.Set(Credentials{AppKey: "key", AppSecret: "secret"})
	s.Set(Credentials{AppKey: "key", AppSecret: "other"})

	require.Len(t, got, 2)
	assert.Equal(t, "key", got[0].AppKey, "values are trimmed")
	assert.Equal(t, "other", got[1].AppSecret)
	assert.True(t, s.HasCredentials())
}

func TestChangingAppKeyDropsToken(t *testing.T) {
	s := NewStore()
	s.Set(Credentials{AppKey: "k1", AppSecret: "s"})
	s.SaveToken("tok", "k1", time.Now().Add(24*time.Hour))

	s.Set(Credentials{AppKey: "k1", AppSecret: "s2"})
	tok, _, _ := s.CachedToken()
	assert.Equal(t, "tok", tok, "same key keeps the token")

	s.Set(Credentials{AppKey: "k2", AppSecret: "s2"})
	tok, key, exp := s.CachedToken()
	assert.Empty(t, tok)
	assert.Empty(t, key)
	assert.True(t, exp.IsZero())
}

func TestWaitUntilReadyImmediate(t *testing.T) {
	s := NewStore()
	s.Set(Credentials{AppKey: "k", AppSecret: "s"})

	creds, ok := s.WaitUntilReady(context.Background(), time.Second)
	assert.True(t, ok)
	assert.Equal(t, "k", creds.AppKey)
}

func TestWaitUntilReadyWakesOnSet(t *testing.T) {
	s := NewStore()
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Set(Credentials{AppKey: "k"})
		s.Set(Credentials{AppKey: "k", AppSecret: "s"})
	}()

	creds, ok := s.WaitUntilReady(context.Background(), 5*time.Second)
	assert.True(t, ok)
	assert.Equal(t, "s", creds.AppSecret)
}

func TestWaitUntilReadyTimesOut(t *testing.T) {
	s := NewStore()
	start := time.Now()
	_, ok := s.WaitUntilReady(context.Background(), 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitUntilReadyHonorsContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := s.WaitUntilReady(ctx, time.Minute)
	assert.False(t, ok)
}

func TestClearingCredentialsRearmsReady(t *testing.T) {
	s := NewStore()
	s.Set(Credentials{AppKey: "k", AppSecret: "s"})
	s.Set(Credentials{})

	_, ok := s.WaitUntilReady(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
}

func TestPersistence(t *testing.T) {
	db, err := store.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore()
	s.SetDB(db)
	s.SetLogger(testLogger())
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Set(Credentials{AppKey: "k", AppSecret: "s"})
	s.SaveToken("tok", "k", expiry)

	reloaded := NewStore()
	reloaded.SetDB(db)
	require.NoError(t, reloaded.LoadFromDB())

	g := reloaded.Get()
	assert.Equal(t, "k", g.AppKey)
	assert.Equal(t, "s", g.AppSecret)
	assert.Equal(t, "tok", g.AccessToken)
	assert.True(t, expiry.Equal(g.AccessTokenExpiry))

	_, ok := reloaded.WaitUntilReady(context.Background(), 10*time.Millisecond)
	assert.True(t, ok, "loaded credentials mark the store ready")
}

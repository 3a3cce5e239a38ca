package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGlobalSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveGlobal("app_key", "PSabc"))
	require.NoError(t, db.SaveGlobal("app_secret", "s3cret"))

	got, err := db.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app_key": "PSabc", "app_secret": "s3cret"}, got)

	require.NoError(t, db.SaveGlobal("app_secret", ""))
	got, err = db.LoadGlobal()
	require.NoError(t, err)
	assert.NotContains(t, got, "app_secret")
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	db := openTestDB(t)
	key, err := DeriveEncryptionKey("test-secret")
	require.NoError(t, err)
	db.SetEncryptionKey(key)

	require.NoError(t, db.SaveGlobal("access_token", "eyJ.token"))
	require.NoError(t, db.SaveGlobal("app_key", "PSabc"))

	var raw string
	require.NoError(t, db.db.QueryRow(`SELECT value FROM global_settings WHERE key = 'access_token'`).Scan(&raw))
	assert.NotEqual(t, "eyJ.token", raw)
	require.NoError(t, db.db.QueryRow(`SELECT value FROM global_settings WHERE key = 'app_key'`).Scan(&raw))
	assert.Equal(t, "PSabc", raw, "non-secret settings stay readable")

	got, err := db.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "eyJ.token", got["access_token"])
}

func TestWrongKeyRejected(t *testing.T) {
	db := openTestDB(t)
	k1, _ := DeriveEncryptionKey("one")
	k2, _ := DeriveEncryptionKey("two")

	db.SetEncryptionKey(k1)
	require.NoError(t, db.SaveGlobal("app_secret", "s3cret"))

	db.SetEncryptionKey(k2)
	_, err := db.LoadGlobal()
	assert.Error(t, err)
}

func TestSurfaces(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveSurface(&SurfaceRecord{ID: "b", Market: "overseas", Code: "AAPL", Exchange: "NAS", Name: "Apple"}))
	require.NoError(t, db.SaveSurface(&SurfaceRecord{ID: "a", Market: "domestic", Code: "005930", Name: "삼성전자"}))

	got, err := db.LoadSurfaces()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "삼성전자", got[0].Name)
	assert.Equal(t, "NAS", got[1].Exchange)
	assert.False(t, got[1].UpdatedAt.IsZero())

	require.NoError(t, db.DeleteSurface("a"))
	got, err = db.LoadSurfaces()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSurfaceMarketConstraint(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.SaveSurface(&SurfaceRecord{ID: "x", Market: "crypto", Code: "BTC"}))
}

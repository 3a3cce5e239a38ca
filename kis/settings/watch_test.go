package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app_key: PSkey\napp_secret: shh\n"), 0o600))

	creds, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Credentials{AppKey: "PSkey", AppSecret: "shh"}, creds)

	require.NoError(t, os.WriteFile(path, []byte("app_key: [unterminated"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestWatchAppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app_key: one\napp_secret: s\n"), 0o600))

	s := NewStore()
	w, err := Watch(path, s, testLogger())
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "one", s.Credentials().AppKey)

	require.NoError(t, os.WriteFile(path, []byte("app_key: two\napp_secret: s\n"), 0o600))
	require.Eventually(t, func() bool {
		return s.Credentials().AppKey == "two"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchMissingFile(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "absent.yaml"), NewStore(), testLogger())
	assert.Error(t, err)
}

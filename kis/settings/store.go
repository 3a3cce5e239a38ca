// Package settings is the global settings channel: KIS credentials and the
// cached REST access token, with change notifications and optional SQLite
// write-through.
package settings

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kisdeck/kis-ticker/kis/store"
)

// DefaultReadyTimeout bounds WaitUntilReady when the caller gives no timeout.
const DefaultReadyTimeout = 15 * time.Second

// Persisted keys.
const (
	keyAppKey         = "app_key"
	keyAppSecret      = "app_secret"
	keyAccessToken    = "access_token"
	keyTokenExpiry    = "access_token_expiry"
	keyTokenForAppKey = "access_token_app_key"
)

// Credentials identify the KIS application.
type Credentials struct {
	AppKey    string `json:"app_key" yaml:"app_key"`
	AppSecret string `json:"app_secret" yaml:"app_secret"`
}

// Ready reports whether both fields are present.
func (c Credentials) Ready() bool {
	return strings.TrimSpace(c.AppKey) != "" && strings.TrimSpace(c.AppSecret) != ""
}

// Global is the full settings record.
type Global struct {
	Credentials
	AccessToken       string
	AccessTokenExpiry time.Time
	// AccessTokenAppKey is the app key the cached token was issued for.
	AccessTokenAppKey string
}

// ChangeCallback is invoked after the credentials change.
type ChangeCallback func(creds Credentials)

// Store is a thread-safe holder of the global settings.
type Store struct {
	mu       sync.RWMutex
	current  Global
	ready    chan struct{}
	onChange []ChangeCallback
	db       *store.DB
	logger   *slog.Logger
}

// NewStore creates an empty settings store.
func NewStore() *Store {
	return &Store{
		ready:  make(chan struct{}),
		logger: slog.Default(),
	}
}

// SetDB enables write-through persistence to the given SQLite database.
func (s *Store) SetDB(db *store.DB) {
	s.db = db
}

// SetLogger sets the logger for DB error reporting.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// LoadFromDB populates the store from the database without notifying observers.
func (s *Store) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	kv, err := s.db.LoadGlobal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.AppKey = kv[keyAppKey]
	s.current.AppSecret = kv[keyAppSecret]
	s.current.AccessToken = kv[keyAccessToken]
	s.current.AccessTokenAppKey = kv[keyTokenForAppKey]
	if exp, err := time.Parse(time.RFC3339, kv[keyTokenExpiry]); err == nil {
		s.current.AccessTokenExpiry = exp
	}
	s.updateReadyLocked()
	return nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Global {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Credentials returns the current credentials.
func (s *Store) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Credentials
}

// HasCredentials reports whether both app key and secret are set.
func (s *Store) HasCredentials() bool {
	return s.Credentials().Ready()
}

// OnChange registers a callback that fires when the credentials change.
func (s *Store) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, cb)
}

// Set replaces the credentials. Observers are notified outside the lock, and
// only when the value actually changed. Changing the app key drops the cached
// access token since it was issued for the old key.
func (s *Store) Set(creds Credentials) {
	creds.AppKey = strings.TrimSpace(creds.AppKey)
	creds.AppSecret = strings.TrimSpace(creds.AppSecret)

	s.mu.Lock()
	if s.current.Credentials == creds {
		s.mu.Unlock()
		return
	}
	dropToken := s.current.AccessTokenAppKey != "" && s.current.AccessTokenAppKey != creds.AppKey
	s.current.Credentials = creds
	if dropToken {
		s.current.AccessToken = ""
		s.current.AccessTokenExpiry = time.Time{}
		s.current.AccessTokenAppKey = ""
	}
	s.updateReadyLocked()
	callbacks := make([]ChangeCallback, len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	s.persist(keyAppKey, creds.AppKey)
	s.persist(keyAppSecret, creds.AppSecret)
	if dropToken {
		s.persist(keyAccessToken, "")
		s.persist(keyTokenExpiry, "")
		s.persist(keyTokenForAppKey, "")
	}

	for _, cb := range callbacks {
		cb(creds)
	}
}

// CachedToken returns the cached access token with its app key and expiry.
func (s *Store) CachedToken() (token, appKey string, expiry time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken, s.current.AccessTokenAppKey, s.current.AccessTokenExpiry
}

// SaveToken caches an access token issued for appKey.
func (s *Store) SaveToken(token, appKey string, expiry time.Time) {
	s.mu.Lock()
	s.current.AccessToken = token
	s.current.AccessTokenAppKey = appKey
	s.current.AccessTokenExpiry = expiry
	s.mu.Unlock()

	s.persist(keyAccessToken, token)
	s.persist(keyTokenForAppKey, appKey)
	s.persist(keyTokenExpiry, expiry.UTC().Format(time.RFC3339))
}

// WaitUntilReady blocks until credentials are present, the timeout elapses
// or ctx is done. A non-positive timeout means DefaultReadyTimeout.
func (s *Store) WaitUntilReady(ctx context.Context, timeout time.Duration) (Credentials, bool) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	for {
		s.mu.RLock()
		creds, ch := s.current.Credentials, s.ready
		s.mu.RUnlock()
		if creds.Ready() {
			return creds, true
		}

		timer := time.NewTimer(timeout)
		select {
		case <-ch:
			timer.Stop()
			// Loop to re-read: the credentials may have been cleared again.
			continue
		case <-timer.C:
			return Credentials{}, false
		case <-ctx.Done():
			timer.Stop()
			return Credentials{}, false
		}
	}
}

// updateReadyLocked closes the ready channel when credentials become
// complete and re-arms it when they are cleared.
func (s *Store) updateReadyLocked() {
	ready := s.current.Credentials.Ready()
	select {
	case <-s.ready:
		if !ready {
			s.ready = make(chan struct{})
		}
	default:
		if ready {
			close(s.ready)
		}
	}
}

func (s *Store) persist(key, value string) {
	if s.db == nil {
		return
	}
	if err := s.db.SaveGlobal(key, value); err != nil {
		s.logger.Error("Failed to persist setting", "key", key, "error", err)
	}
}

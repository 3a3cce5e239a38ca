// Package kis owns the services of the ticker: settings, persistence, the
// KIS collaborators, the shared stream, the render coordinator and the
// host adapter. It holds no package-level state; every service hangs off
// a Manager.
package kis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kisdeck/kis-ticker/kis/auth"
	"github.com/kisdeck/kis-ticker/kis/clock"
	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/host"
	"github.com/kisdeck/kis-ticker/kis/notify"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/render"
	"github.com/kisdeck/kis-ticker/kis/rest"
	"github.com/kisdeck/kis-ticker/kis/settings"
	"github.com/kisdeck/kis-ticker/kis/store"
	"github.com/kisdeck/kis-ticker/kis/stream"
)

// Config holds configuration for creating a new Manager.
type Config struct {
	Logger *slog.Logger // required

	// Initial credentials, applied on Start. Empty fields leave any
	// persisted or file-provided credentials in place.
	AppKey    string
	AppSecret string

	StreamURL    string
	RESTBaseURL  string
	SettingsFile string // optional YAML credentials file, watched for changes
	DBPath       string // optional SQLite path; empty keeps state in memory
	// EncryptionSecret derives the key that encrypts secrets at rest.
	EncryptionSecret string

	Reconnect stream.ReconnectPolicy
	Timing    deck.Timing
	CacheSize int

	TelegramBotToken string
	TelegramChatID   int64

	// Optional overrides, mainly for tests.
	Clock      clock.Clock
	HTTPClient *http.Client
	Notifier   *notify.Telegram
}

// Manager constructs and owns every service.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	db       *store.DB
	settings *settings.Store
	watcher  *settings.Watcher
	auth     *auth.Client
	fetcher  *rest.Fetcher
	stream   *stream.Controller
	cards    *render.Cards
	cache    *render.Cache
	deck     *deck.Coordinator
	hub      *host.Hub
	host     *host.Handler
	notifier *notify.Telegram

	// configMu serializes credential-change handling.
	configMu sync.Mutex
	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a Manager. Nothing connects until Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = render.DefaultCacheSize
	}

	m := &Manager{logger: cfg.Logger, cfg: cfg}
	m.base, m.cancel = context.WithCancel(context.Background())

	m.settings = settings.NewStore()
	m.settings.SetLogger(cfg.Logger)
	if err := m.initializePersistence(); err != nil {
		return nil, err
	}

	cards, err := render.NewCards()
	if err != nil {
		m.closeDB()
		return nil, fmt.Errorf("failed to load card templates: %w", err)
	}
	m.cards = cards
	m.cache = render.NewCache(cfg.CacheSize)

	m.notifier = cfg.Notifier
	if m.notifier == nil {
		m.notifier, err = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.Logger)
		if err != nil {
			// Notifications are optional; run without them.
			cfg.Logger.Warn("Telegram notifier unavailable", "error", err)
		}
	}

	m.auth = auth.New(auth.Config{
		BaseURL:    cfg.RESTBaseURL,
		HTTPClient: cfg.HTTPClient,
		Cache:      m.settings,
		Logger:     cfg.Logger.With("component", "auth"),
	})
	m.fetcher = rest.New(rest.Config{
		BaseURL:     cfg.RESTBaseURL,
		HTTPClient:  cfg.HTTPClient,
		Credentials: m.settings,
		Tokens:      m.auth,
		Logger:      cfg.Logger.With("component", "rest"),
	})
	m.stream = stream.New(stream.Config{
		URL:           cfg.StreamURL,
		Approvals:     m.auth,
		Reconnect:     cfg.Reconnect,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger.With("component", "stream"),
		OnStateChange: m.onStreamState,
	})
	m.hub = host.NewHub(cfg.Logger.With("component", "hub"))
	m.deck = deck.New(deck.Config{
		Streamer:    m.stream,
		Snapshots:   m.fetcher,
		Sink:        m.hub,
		Credentials: m.settings,
		Cards:       m.cards,
		Cache:       m.cache,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger.With("component", "deck"),
		Timing:      cfg.Timing,
	})
	m.host = host.NewHandler(m.deck, m.hub, m.settings, m.db, cfg.Logger.With("component", "host"))

	m.settings.OnChange(func(settings.Credentials) { m.credentialsChanged() })
	return m, nil
}

// initializePersistence opens the database and loads persisted settings.
func (m *Manager) initializePersistence() error {
	if m.cfg.DBPath == "" {
		m.logger.Info("No database configured, settings and surfaces kept in memory")
		return nil
	}
	db, err := store.OpenDB(m.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if m.cfg.EncryptionSecret != "" {
		key, err := store.DeriveEncryptionKey(m.cfg.EncryptionSecret)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to derive encryption key: %w", err)
		}
		db.SetEncryptionKey(key)
	}
	m.db = db
	m.settings.SetDB(db)
	if err := m.settings.LoadFromDB(); err != nil {
		m.closeDB()
		return fmt.Errorf("failed to load settings: %w", err)
	}
	m.logger.Info("Database opened", "path", m.cfg.DBPath, "encrypted", m.cfg.EncryptionSecret != "")
	return nil
}

// Start applies the initial credentials, starts the settings file watcher
// and remounts persisted surfaces.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.AppKey != "" || m.cfg.AppSecret != "" {
		m.settings.Set(settings.Credentials{AppKey: m.cfg.AppKey, AppSecret: m.cfg.AppSecret})
	}
	if m.cfg.SettingsFile != "" {
		w, err := settings.Watch(m.cfg.SettingsFile, m.settings, m.logger.With("component", "settings"))
		if err != nil {
			return fmt.Errorf("failed to watch settings file: %w", err)
		}
		m.watcher = w
	}
	// Persisted credentials never went through Set, so configure explicitly.
	if m.settings.HasCredentials() {
		m.credentialsChanged()
	}
	return m.host.Restore(ctx)
}

// credentialsChanged re-issues the stream approval key and remounts the
// surfaces affected by the change. Calls run one at a time in the
// background and always read the latest credentials.
func (m *Manager) credentialsChanged() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.configMu.Lock()
		defer m.configMu.Unlock()
		if m.base.Err() != nil {
			return
		}

		creds := m.settings.Credentials()
		if err := m.stream.Configure(m.base, creds); err != nil {
			m.logger.Warn("Stream configure failed", "error", err)
		}
		m.deck.CredentialsChanged(m.base)
	}()
}

func (m *Manager) onStreamState(state stream.State, cause error) {
	if cause != nil {
		m.logger.Warn("Stream state changed", "state", state.String(), "cause", cause)
	} else {
		m.logger.Debug("Stream state changed", "state", state.String())
	}
	m.notifier.OnStreamState(state, cause)
}

// Wait blocks until background credential handling has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
	m.host.Wait()
}

// Settings returns the settings channel.
func (m *Manager) Settings() *settings.Store { return m.settings }

// Stream returns the shared streaming connection.
func (m *Manager) Stream() *stream.Controller { return m.stream }

// Deck returns the render coordinator.
func (m *Manager) Deck() *deck.Coordinator { return m.deck }

// Hub returns the display sink.
func (m *Manager) Hub() *host.Hub { return m.hub }

// Host returns the surface API handler.
func (m *Manager) Host() *host.Handler { return m.host }

// Fetcher returns the snapshot fetcher.
func (m *Manager) Fetcher() *rest.Fetcher { return m.fetcher }

// DB returns the database, or nil when running in memory.
func (m *Manager) DB() *store.DB { return m.db }

func (m *Manager) StreamStatus() stream.Status { return m.stream.Status() }

func (m *Manager) Surfaces() []deck.SurfaceInfo { return m.deck.Surfaces() }

func (m *Manager) CacheStats() render.CacheStats { return m.cache.Stats() }

func (m *Manager) HasCredentials() bool { return m.settings.HasCredentials() }

// RefreshSurface redraws a surface from a fresh snapshot.
func (m *Manager) RefreshSurface(ctx context.Context, id string) error {
	return m.deck.Refresh(ctx, id)
}

// Snapshot fetches a price without involving any surface.
func (m *Manager) Snapshot(ctx context.Context, in quote.Instrument) (*quote.Quote, error) {
	return m.fetcher.Snapshot(ctx, in)
}

// Shutdown stops every service. It is safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.logger.Info("Shutting down services")
		if m.watcher != nil {
			if err := m.watcher.Close(); err != nil {
				m.logger.Warn("Failed to close settings watcher", "error", err)
			}
		}
		m.cancel()
		m.host.Close()
		m.wg.Wait()
		m.deck.Close()
		if err := m.stream.Close(); err != nil {
			m.logger.Warn("Failed to close stream", "error", err)
		}
		m.notifier.Close()
		m.closeDB()
	})
}

func (m *Manager) closeDB() {
	if m.db == nil {
		return
	}
	if err := m.db.Close(); err != nil {
		m.logger.Warn("Failed to close database", "error", err)
	}
}

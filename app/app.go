package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kisdeck/kis-ticker/kis"
	"github.com/kisdeck/kis-ticker/kis/ops"
	"github.com/kisdeck/kis-ticker/kis/stream"
	"github.com/kisdeck/kis-ticker/mcp"
	"github.com/kisdeck/kis-ticker/web"
)

// App represents the main application structure
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	logBuffer *ops.LogBuffer
}

// Config holds the application configuration
type Config struct {
	AppKey    string
	AppSecret string

	StreamURL        string
	RESTBaseURL      string
	SettingsFile     string
	DBPath           string
	EncryptionSecret string

	ReconnectDelayRaw    string
	ReconnectMaxDelayRaw string
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration

	AppMode string
	AppPort string
	AppHost string

	// HostJWTSecret enables bearer auth on the host API, ops and /mcp.
	HostJWTSecret string
	ExcludedTools string

	TelegramBotToken  string
	TelegramChatIDRaw string
	TelegramChatID    int64
}

// Server mode constants
const (
	ModeHTTP  = "http"  // host API, ops and streamable HTTP MCP at /mcp
	ModeStdIO = "stdio" // MCP over stdio, HTTP endpoints still served

	DefaultPort    = "8080"
	DefaultHost    = "localhost"
	DefaultAppMode = ModeHTTP
)

// NewApp creates a new application instance reading its configuration
// from the environment.
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			AppKey:    os.Getenv("KIS_APP_KEY"),
			AppSecret: os.Getenv("KIS_APP_SECRET"),

			StreamURL:        os.Getenv("KIS_WS_URL"),
			RESTBaseURL:      os.Getenv("KIS_REST_BASE"),
			SettingsFile:     os.Getenv("KIS_SETTINGS_FILE"),
			DBPath:           os.Getenv("KIS_DB_PATH"),
			EncryptionSecret: os.Getenv("KIS_ENCRYPTION_SECRET"),

			ReconnectDelayRaw:    os.Getenv("KIS_RECONNECT_DELAY"),
			ReconnectMaxDelayRaw: os.Getenv("KIS_RECONNECT_MAX_DELAY"),

			AppMode: os.Getenv("APP_MODE"),
			AppPort: os.Getenv("APP_PORT"),
			AppHost: os.Getenv("APP_HOST"),

			HostJWTSecret: os.Getenv("HOST_JWT_SECRET"),
			ExcludedTools: os.Getenv("EXCLUDED_TOOLS"),

			TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatIDRaw: os.Getenv("TELEGRAM_CHAT_ID"),
		},
		Version:   "v0.0.0",
		startTime: time.Now(),
		logger:    logger,
	}
}

// SetVersion sets the server version
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log buffer for the ops dashboard SSE stream.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig applies defaults and validates the configuration.
func (app *App) LoadConfig() error {
	cfg := app.Config
	if cfg.AppMode == "" {
		cfg.AppMode = DefaultAppMode
	}
	if cfg.AppMode != ModeHTTP && cfg.AppMode != ModeStdIO {
		return fmt.Errorf("invalid APP_MODE: %s", cfg.AppMode)
	}
	if cfg.AppPort == "" {
		cfg.AppPort = DefaultPort
	}
	if cfg.AppHost == "" {
		cfg.AppHost = DefaultHost
	}

	cfg.ReconnectDelay = stream.DefaultReconnectDelay
	if cfg.ReconnectDelayRaw != "" {
		d, err := time.ParseDuration(cfg.ReconnectDelayRaw)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid KIS_RECONNECT_DELAY %q", cfg.ReconnectDelayRaw)
		}
		cfg.ReconnectDelay = d
	}
	if cfg.ReconnectMaxDelayRaw != "" {
		d, err := time.ParseDuration(cfg.ReconnectMaxDelayRaw)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid KIS_RECONNECT_MAX_DELAY %q", cfg.ReconnectMaxDelayRaw)
		}
		cfg.ReconnectMaxDelay = d
	}

	if cfg.TelegramChatIDRaw != "" {
		id, err := strconv.ParseInt(cfg.TelegramChatIDRaw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", cfg.TelegramChatIDRaw, err)
		}
		cfg.TelegramChatID = id
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	if (cfg.AppKey == "") != (cfg.AppSecret == "") {
		return fmt.Errorf("KIS_APP_KEY and KIS_APP_SECRET must be set together")
	}
	if cfg.AppKey == "" && cfg.SettingsFile == "" && cfg.DBPath == "" {
		app.logger.Warn("No KIS credentials configured; set them with PUT /api/settings")
	}
	if cfg.HostJWTSecret == "" && cfg.AppHost != DefaultHost && cfg.AppHost != "127.0.0.1" {
		app.logger.Warn("Host API is unauthenticated on a non-local address; set HOST_JWT_SECRET", "host", cfg.AppHost)
	}
	return nil
}

// RunServer initializes the services and serves until shutdown.
func (app *App) RunServer() error {
	manager, mcpServer, err := app.initializeServices()
	if err != nil {
		return err
	}

	handler, cleanup, err := app.setupMux(manager, mcpServer)
	if err != nil {
		manager.Shutdown()
		return err
	}

	srv := app.createHTTPServer(app.buildServerURL(), handler)
	done := app.setupGracefulShutdown(srv, manager, cleanup)

	if err := manager.Start(context.Background()); err != nil {
		app.logger.Error("Failed to start services", "error", err)
	}

	switch app.Config.AppMode {
	case ModeStdIO:
		app.startStdIOServer(srv, mcpServer)
	default:
		app.logger.Info("Starting HTTP server", "url", "http://"+srv.Addr)
		if err := app.serveHTTPServer(srv); err != nil {
			manager.Shutdown()
			cleanup()
			return err
		}
	}
	<-done
	return nil
}

func (app *App) buildServerURL() string {
	return app.Config.AppHost + ":" + app.Config.AppPort
}

// initializeServices creates the service manager and the MCP server.
func (app *App) initializeServices() (*kis.Manager, *server.MCPServer, error) {
	app.logger.Info("Creating service manager...")
	manager, err := kis.New(kis.Config{
		Logger:           app.logger,
		AppKey:           app.Config.AppKey,
		AppSecret:        app.Config.AppSecret,
		StreamURL:        app.Config.StreamURL,
		RESTBaseURL:      app.Config.RESTBaseURL,
		SettingsFile:     app.Config.SettingsFile,
		DBPath:           app.Config.DBPath,
		EncryptionSecret: app.Config.EncryptionSecret,
		Reconnect: stream.ReconnectPolicy{
			Delay:    app.Config.ReconnectDelay,
			MaxDelay: app.Config.ReconnectMaxDelay,
		},
		TelegramBotToken: app.Config.TelegramBotToken,
		TelegramChatID:   app.Config.TelegramChatID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service manager: %w", err)
	}

	mcpServer := server.NewMCPServer("KIS Ticker", app.Version, server.WithToolCapabilities(false))
	mcp.RegisterTools(mcpServer, manager, app.Config.ExcludedTools, app.logger)
	return manager, mcpServer, nil
}

// setupMux registers every route. The returned cleanup releases middleware
// resources.
func (app *App) setupMux(manager *kis.Manager, mcpServer *server.MCPServer) (http.Handler, func(), error) {
	mux := http.NewServeMux()

	limiter := web.NewRateLimiter(0, 0)
	protect := limiter.Middleware
	if app.Config.HostJWTSecret != "" {
		auth, err := web.NewJWTAuth(app.Config.HostJWTSecret, app.logger)
		if err != nil {
			limiter.Close()
			return nil, nil, err
		}
		protect = func(next http.Handler) http.Handler {
			return limiter.Middleware(auth.Middleware(next))
		}
		app.logger.Info("Bearer auth enabled for host API, ops and MCP")
	}

	manager.Host().RegisterRoutes(mux, protect)

	logBuffer := app.logBuffer
	if logBuffer == nil {
		logBuffer = ops.NewLogBuffer(ops.DefaultLogCapacity)
	}
	ops.New(manager, logBuffer, app.logger, app.Version, app.startTime).RegisterRoutes(mux, protect)

	streamable := server.NewStreamableHTTPServer(mcpServer)
	mux.Handle("/mcp", protect(streamable))

	docs, err := NewDocsManager(app.Version, mcp.ToolNames())
	if err != nil {
		limiter.Close()
		return nil, nil, fmt.Errorf("failed to load docs: %w", err)
	}
	mux.HandleFunc("/docs", docs.ServeDocs)
	mux.HandleFunc("/docs/", docs.ServeDocs)
	mux.HandleFunc("/", docs.ServeLanding)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	return mux, limiter.Close, nil
}

func (app *App) createHTTPServer(url string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              url,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

// setupGracefulShutdown stops the server and the services on SIGINT or
// SIGTERM. The returned channel closes once shutdown has finished.
func (app *App) setupGracefulShutdown(srv *http.Server, manager *kis.Manager, cleanup func()) <-chan struct{} {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stop()
		<-ctx.Done()
		app.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}

		manager.Shutdown()
		cleanup()
		app.logger.Info("Server shutdown complete")
	}()
	return done
}

func (app *App) serveHTTPServer(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// startStdIOServer serves MCP on stdio while the HTTP endpoints run in the
// background. Closing stdin triggers shutdown.
func (app *App) startStdIOServer(srv *http.Server, mcpServer *server.MCPServer) {
	app.logger.Info("Starting STDIO MCP server...")
	go func() {
		if err := app.serveHTTPServer(srv); err != nil {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()

	stdio := server.NewStdioServer(mcpServer)
	if err := stdio.Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
		app.logger.Error("STDIO server error", "error", err)
	}
	if p, err := os.FindProcess(os.Getpid()); err == nil {
		_ = p.Signal(os.Interrupt)
	}
}

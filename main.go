// kis-ticker serves live KIS stock cards to control-deck button surfaces.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/kisdeck/kis-ticker/app"
	"github.com/kisdeck/kis-ticker/kis/ops"
	"github.com/kisdeck/kis-ticker/web"
)

var (
	// SERVER_VERSION is injected at build time with -ldflags.
	SERVER_VERSION = "v0.0.0"

	// buildString is injected at build time with build time and git info.
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	// Valid levels: debug, info, warn, error
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logBuffer := ops.NewLogBuffer(ops.DefaultLogCapacity)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(ops.NewTeeHandler(inner, logBuffer)), logBuffer
}

// issueToken prints a bearer token for the host API signed with
// HOST_JWT_SECRET.
func issueToken(subject string) error {
	auth, err := web.NewJWTAuth(os.Getenv("HOST_JWT_SECRET"), nil)
	if err != nil {
		return fmt.Errorf("HOST_JWT_SECRET: %w", err)
	}
	ttl := time.Duration(0)
	if raw := os.Getenv("HOST_TOKEN_TTL"); raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid HOST_TOKEN_TTL %q", raw)
		}
	}
	token, err := auth.GenerateToken(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// loadEnvFile reads ENV_FILE (default .env) into the environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("kis-ticker %s\n", SERVER_VERSION)
			fmt.Printf("Build: %s\n", buildString)
			os.Exit(0)
		case "--issue-token":
			subject := "deck"
			if len(os.Args) > 2 {
				subject = os.Args[2]
			}
			if err := issueToken(subject); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			os.Exit(0)
		}
	}

	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)
	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	application.SetVersion(SERVER_VERSION)

	logger.Info("Starting kis-ticker...", "version", SERVER_VERSION, "build", buildString)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed to start", "error", err)
		os.Exit(1)
	}
}

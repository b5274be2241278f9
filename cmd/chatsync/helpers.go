package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nutriplan/chatsync"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the CLI logger: console output on stderr, or JSON into
// a rotated file when [log] file is set.
func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.WarnLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// requireSession fails when no token or user id is configured.
func requireSession(cfg *Config) error {
	if cfg.Auth.Token == "" || cfg.Auth.UserID == 0 {
		return fmt.Errorf("not logged in; run 'chatsync login <token> <user-id>' first")
	}
	if cfg.Default.APIBase == "" {
		return fmt.Errorf("no API base configured; run 'chatsync init <api-base>' first")
	}
	return nil
}

func wsBase(cfg *Config) string {
	if cfg.Default.WSBase != "" {
		return cfg.Default.WSBase
	}
	return cfg.Default.APIBase
}

// newStore returns a store bound to the configured session, for one-shot
// commands that do not need the realtime connection.
func newStore(cfg *Config, logger zerolog.Logger) *chatsync.Store {
	client := chatsync.NewClient(cfg.Default.APIBase, cfg.Auth.Token, chatsync.WithClientLogger(logger))
	store := chatsync.NewStore(client, logger)
	store.Reset(cfg.Auth.UserID)
	return store
}

// openSnapshot opens the snapshot database, or returns nil when caching is
// disabled.
func openSnapshot(cfg *Config) (*chatsync.Snapshot, error) {
	if cfg.Cache.Disabled {
		return nil, nil
	}
	path := cfg.Cache.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache.db")
	}
	snap, err := chatsync.OpenSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return snap, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

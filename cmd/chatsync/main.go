package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Log     ConfigLog     `toml:"log"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds the backend endpoints.
type ConfigDefault struct {
	APIBase string `toml:"api_base"`
	WSBase  string `toml:"ws_base"`
}

// ConfigAuth holds the session.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID int64  `toml:"user_id"`
}

// ConfigLog controls logging. An empty File logs to stderr.
type ConfigLog struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// ConfigCache controls the local snapshot database.
type ConfigCache struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// ============================================================================
// Config helpers
// ============================================================================

var configFlag string

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envVars lists the CHATSYNC_* variables applyEnv honors.
var envVars = []string{
	"CHATSYNC_API_BASE",
	"CHATSYNC_WS_BASE",
	"CHATSYNC_TOKEN",
	"CHATSYNC_USER_ID",
	"CHATSYNC_LOG_LEVEL",
}

// envOverrides returns the CHATSYNC_* variables currently set.
func envOverrides() []string {
	var set []string
	for _, name := range envVars {
		if os.Getenv(name) != "" {
			set = append(set, name)
		}
	}
	return set
}

// applyEnv overlays CHATSYNC_* environment variables. The result is never
// written back to disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_API_BASE"); v != "" {
		cfg.Default.APIBase = v
	}
	if v := os.Getenv("CHATSYNC_WS_BASE"); v != "" {
		cfg.Default.WSBase = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Auth.UserID = id
		}
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// effectiveConfig is the config file plus environment overrides.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_base").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_base)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_base":
			cfg.Default.APIBase = value
		case "ws_base":
			cfg.Default.WSBase = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("user_id must be an integer: %w", err)
			}
			cfg.Auth.UserID = id
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "cache":
		switch field {
		case "path":
			cfg.Cache.Path = value
		case "disabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("disabled must be true or false: %w", err)
			}
			cfg.Cache.Disabled = b
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat sync CLI",
	Long:  "Command-line interface for the chat synchronization engine.\nList dialogs, read and send messages, and follow a live session.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine.
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.chatsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig holds the resolved server configuration
type ServerConfig struct {
	HTTPPort    int
	MetricsPort int // Internal metrics/health port (0 = disabled)

	DatabasePath string
	UploadDir    string
	StaticDir    string

	// The single reserved admin identity
	AdminUsername string
	AdminSecret   string

	HistoryLimit     int
	MaxMessageLength int
	MaxUploadBytes   int64
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         3000,
		MetricsPort:      9090,
		DatabasePath:     "~/.openroom/openroom.db",
		UploadDir:        "~/.openroom/uploads",
		StaticDir:        "public",
		AdminUsername:    "shresth",
		HistoryLimit:     150,
		MaxMessageLength: 4096,
		MaxUploadBytes:   50 << 20, // 50MB, matches the upload boundary contract
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Admin  AdminSection  `toml:"admin"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	UploadDir    string `toml:"upload_dir"`
	StaticDir    string `toml:"static_dir"`
}

type AdminSection struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type LimitsSection struct {
	HistoryLimit     int   `toml:"history_limit"`
	MaxMessageLength int   `toml:"max_message_length"`
	MaxUploadBytes   int64 `toml:"max_upload_bytes"`
}

// envOverrides mirrors the config keys that may be supplied through the
// environment (prefix OPENROOM, e.g. OPENROOM_HTTP_PORT=8080).
type envOverrides struct {
	HTTPPort         int    `envconfig:"HTTP_PORT"`
	MetricsPort      int    `envconfig:"METRICS_PORT"`
	DatabasePath     string `envconfig:"DATABASE_PATH"`
	UploadDir        string `envconfig:"UPLOAD_DIR"`
	StaticDir        string `envconfig:"STATIC_DIR"`
	AdminUsername    string `envconfig:"ADMIN_USERNAME"`
	AdminPassword    string `envconfig:"ADMIN_PASSWORD"`
	HistoryLimit     int    `envconfig:"HISTORY_LIMIT"`
	MaxMessageLength int    `envconfig:"MAX_MESSAGE_LENGTH"`
	MaxUploadBytes   int64  `envconfig:"MAX_UPLOAD_BYTES"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     defaults.HTTPPort,
			MetricsPort:  defaults.MetricsPort,
			DatabasePath: defaults.DatabasePath,
			UploadDir:    defaults.UploadDir,
			StaticDir:    defaults.StaticDir,
		},
		Admin: AdminSection{
			Username: defaults.AdminUsername,
		},
		Limits: LimitsSection{
			HistoryLimit:     defaults.HistoryLimit,
			MaxMessageLength: defaults.MaxMessageLength,
			MaxUploadBytes:   defaults.MaxUploadBytes,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default
// file if not found, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Write the default config for the operator to edit; if that
		// fails (permissions) we can still run on defaults.
		if err := writeDefaultConfig(path); err != nil {
			return applyEnvOverrides(config)
		}
	} else {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return applyEnvOverrides(config)
}

// applyEnvOverrides applies OPENROOM_* environment variables on top of
// the file configuration.
func applyEnvOverrides(config TOMLConfig) (TOMLConfig, error) {
	var env envOverrides
	if err := envconfig.Process("openroom", &env); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.HTTPPort != 0 {
		config.Server.HTTPPort = env.HTTPPort
	}
	if env.MetricsPort != 0 {
		config.Server.MetricsPort = env.MetricsPort
	}
	if env.DatabasePath != "" {
		config.Server.DatabasePath = env.DatabasePath
	}
	if env.UploadDir != "" {
		config.Server.UploadDir = env.UploadDir
	}
	if env.StaticDir != "" {
		config.Server.StaticDir = env.StaticDir
	}
	if env.AdminUsername != "" {
		config.Admin.Username = env.AdminUsername
	}
	if env.AdminPassword != "" {
		config.Admin.Password = env.AdminPassword
	}
	if env.HistoryLimit != 0 {
		config.Limits.HistoryLimit = env.HistoryLimit
	}
	if env.MaxMessageLength != 0 {
		config.Limits.MaxMessageLength = env.MaxMessageLength
	}
	if env.MaxUploadBytes != 0 {
		config.Limits.MaxUploadBytes = env.MaxUploadBytes
	}

	return config, nil
}

// ToServerConfig converts the file configuration into a resolved
// ServerConfig, filling gaps with defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if strings.TrimSpace(c.Server.UploadDir) != "" {
		cfg.UploadDir = c.Server.UploadDir
	}
	if strings.TrimSpace(c.Server.StaticDir) != "" {
		cfg.StaticDir = c.Server.StaticDir
	}
	if strings.TrimSpace(c.Admin.Username) != "" {
		cfg.AdminUsername = c.Admin.Username
	}
	cfg.AdminSecret = c.Admin.Password
	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUploadBytes != 0 {
		cfg.MaxUploadBytes = c.Limits.MaxUploadBytes
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}

// writeDefaultConfig writes the default config to a file with all
// options documented.
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# OpenRoom Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# OPENROOM_KEY (e.g., OPENROOM_HTTP_PORT=8080)

[server]
# Port for the public HTTP server (/ws, /upload, static client)
http_port = 3000

# Port for internal metrics/health endpoints - never expose publicly
# Set to 0 to disable
metrics_port = 9090

# Path to the SQLite database file
database_path = "~/.openroom/openroom.db"

# Directory for uploaded files (served under /uploads/)
upload_dir = "~/.openroom/uploads"

# Directory holding the browser client assets
static_dir = "public"

[admin]
# The single reserved admin identity. The username is matched
# case-insensitively at login; the password must match exactly.
username = "shresth"

# Set a password to enable admin login:
# password = "change-me"

[limits]
# Number of recent messages replayed to a newly connected client
history_limit = 150

# Maximum chat message length in bytes
max_message_length = 4096

# Maximum upload size in bytes (default 50MB)
max_upload_bytes = 52428800
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Package config resolves the data directory and process-wide settings:
// sp-settings.json on disk, layered with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// EnvConfig holds the environment-variable overrides named in spec §6.
type EnvConfig struct {
	DataDir           string `env:"SWIFTPAN_DATA_DIR"`
	EC2MetadataDisabled string `env:"AWS_EC2_METADATA_DISABLED"`
	LogLevel          string `env:"LOG_LEVEL"`
	LogFormat         string `env:"LOG_FORMAT"`
}

// Settings mirrors sp-settings.json (spec §6).
type Settings struct {
	LogLevel           string `json:"logLevel"`
	MaxConcurrency     int    `json:"maxConcurrency"`
	DefaultDownloadDir string `json:"defaultDownloadDir,omitempty"`
	UploadThumbnail    bool   `json:"uploadThumbnail"`
	AndroidTreeURI     string `json:"androidTreeUri,omitempty"`
}

// defaultSettings matches the teacher's New()-returns-defaults convention.
func defaultSettings() Settings {
	return Settings{
		LogLevel:        "info",
		MaxConcurrency:  4,
		UploadThumbnail: false,
	}
}

// Config is the merged, normalized configuration used by the rest of the
// core: the settings file plus environment overrides, with the data
// directory resolved to an absolute path.
type Config struct {
	DataDir             string
	EC2MetadataDisabled bool
	LogFormat           string
	Settings            Settings
}

const settingsFileName = "sp-settings.json"

// Load reads sp-settings.json from the resolved data directory (if present)
// and layers environment overrides on top, following the teacher's
// Load()-reads-file-then-envdecode.Decode() sequence in pkg/config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var env EnvConfig
	if err := envdecode.Decode(&env); err != nil {
		if !strings.Contains(err.Error(), "no target fields") && !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	dataDir, err := resolveDataDir(env.DataDir)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             dataDir,
		EC2MetadataDisabled: isTruthy(env.EC2MetadataDisabled, true),
		Settings:            defaultSettings(),
	}

	if err := loadSettingsFile(filepath.Join(dataDir, settingsFileName), &cfg.Settings); err != nil {
		return nil, err
	}

	if env.LogLevel != "" {
		cfg.Settings.LogLevel = env.LogLevel
	}

	cfg.LogFormat = env.LogFormat
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	return cfg, nil
}

func resolveDataDir(override string) (string, error) {
	dir := strings.TrimSpace(override)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve default data dir: %w", err)
		}
		dir = filepath.Join(home, ".swiftpan")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("create data dir %q: %w", abs, err)
	}
	return abs, nil
}

func loadSettingsFile(path string, out *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Save writes Settings back to sp-settings.json, used by the settings-store
// UI command (spec §6) after the bridge applies a patch.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c.Settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	path := filepath.Join(c.DataDir, settingsFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func isTruthy(v string, defaultVal bool) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return defaultVal
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultVal
	}
}

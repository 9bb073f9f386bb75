package config

import (
	"log/slog"
	"strings"
)

type Config struct {
	Prefs   PrefsConfig
	Storage StorageConfig
	Server  ServerConfig
	Log     LogConfig
}

type PrefsConfig struct {
	File string
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	env := hostEnv()
	return Config{
		Prefs: PrefsConfig{
			File: prefsFileFor(env),
		},
		Storage: StorageConfig{
			DataDir: dataDirFor(env),
		},
		Server: ServerConfig{
			Port: 4040,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.toolprefs.app).
// Elsewhere it is a JSON file named config.json in the same directory as the
// default plugins.yaml.
//
// Environment variables (TOOLPREFS_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// LogLevel maps Log.Level to a slog level. Unknown values fall back to info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

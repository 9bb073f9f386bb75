package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	appName       = "toolprefs"
	prefsFileName = "plugins.yaml"
)

// pathEnv is the slice of the host environment that decides where files live.
type pathEnv struct {
	goos   string
	getenv func(string) string
	home   func() (string, error)
}

func hostEnv() pathEnv {
	return pathEnv{goos: runtime.GOOS, getenv: os.Getenv, home: os.UserHomeDir}
}

// DefaultPrefsFile returns the platform location of plugins.yaml:
//
//	Windows  %APPDATA%\toolprefs\plugins.yaml
//	macOS    ~/Library/Application Support/toolprefs/plugins.yaml
//	other    $XDG_CONFIG_HOME/toolprefs/plugins.yaml (~/.config when unset)
func DefaultPrefsFile() string {
	return prefsFileFor(hostEnv())
}

// DefaultDataDir returns the directory holding the journal, PID file and,
// off macOS, the secrets file.
func DefaultDataDir() string {
	return dataDirFor(hostEnv())
}

func prefsFileFor(e pathEnv) string {
	return filepath.Join(configDirFor(e), prefsFileName)
}

func configDirFor(e pathEnv) string {
	switch e.goos {
	case "windows":
		if dir := e.getenv("APPDATA"); dir != "" {
			return filepath.Join(dir, appName)
		}
		if home, err := e.home(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", appName)
		}
	case "darwin":
		if home, err := e.home(); err == nil {
			return filepath.Join(home, "Library", "Application Support", appName)
		}
	default:
		if dir := e.getenv("XDG_CONFIG_HOME"); dir != "" {
			return filepath.Join(dir, appName)
		}
		if home, err := e.home(); err == nil {
			return filepath.Join(home, ".config", appName)
		}
	}
	return appName
}

func dataDirFor(e pathEnv) string {
	switch e.goos {
	case "windows":
		if dir := e.getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, appName)
		}
		return configDirFor(e)
	case "darwin":
		return configDirFor(e)
	default:
		if dir := e.getenv("XDG_DATA_HOME"); dir != "" {
			return filepath.Join(dir, appName)
		}
		if home, err := e.home(); err == nil {
			return filepath.Join(home, ".local", "share", appName)
		}
	}
	return appName + "-data"
}

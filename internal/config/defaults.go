package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "geoattest"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/geoattest/
//   - Linux:   $XDG_DATA_HOME/geoattest/ or ~/.local/share/geoattest/
//   - Windows: %APPDATA%\geoattest\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".local", "share", appName)
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// DataDir returns the base data directory, honoring GEOATTEST_DATA_DIR.
func DataDir() string {
	if dir := os.Getenv(envPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// DefaultPaths lists the default file locations.
type DefaultPaths struct {
	DataDir   string
	ConfigDir string
	LogDir    string

	ConfigFile       string
	DatabaseFile     string
	LedgerSecretFile string
	LogFile          string
	AuditFile        string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := DataDir()
	configDir := PlatformConfigDir()
	logDir := PlatformLogDir()
	if os.Getenv(envPrefix+"DATA_DIR") != "" {
		logDir = filepath.Join(dataDir, "logs")
	}

	return &DefaultPaths{
		DataDir:   dataDir,
		ConfigDir: configDir,
		LogDir:    logDir,

		ConfigFile:       filepath.Join(configDir, "config.toml"),
		DatabaseFile:     filepath.Join(dataDir, "geoattest.db"),
		LedgerSecretFile: filepath.Join(dataDir, "ledger.secret"),
		LogFile:          filepath.Join(logDir, "geoattest.log"),
		AuditFile:        filepath.Join(logDir, "audit.log"),
	}
}

// SupportedConfigFormats returns the supported config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, then the config directory,
// then the data directory. It returns "" when nothing is found.
func FindConfigFile() string {
	paths := GetDefaultPaths()
	for _, dir := range []string{".", paths.ConfigDir, paths.DataDir} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the medi config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/medi/.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "medi"), nil
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CredentialsPath returns the path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.toml"), nil
}

// DataDir returns the medi data directory, respecting XDG_DATA_HOME.
// Defaults to ~/.local/share/medi/.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "medi"), nil
}

// StateDir returns the medi state directory, respecting XDG_STATE_HOME.
// Defaults to ~/.local/state/medi/.
func StateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "medi"), nil
}

// LocalConfigName is the per-directory config file checked before the
// global one.
const LocalConfigName = "medi.toml"

// ResolveConfigPath picks the config file: flag, then ./medi.toml, then the
// global config. It returns "" when none exists and flag is empty.
func ResolveConfigPath(flag string) (string, error) {
	if flag != "" {
		if _, err := os.Stat(flag); err != nil {
			return "", fmt.Errorf("config %s: %w", flag, err)
		}
		return flag, nil
	}
	if _, err := os.Stat(LocalConfigName); err == nil {
		return filepath.Abs(LocalConfigName)
	}
	global, err := GlobalConfigPath()
	if err != nil {
		return "", nil
	}
	if _, err := os.Stat(global); err == nil {
		return global, nil
	}
	return "", nil
}

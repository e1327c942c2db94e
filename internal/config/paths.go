package config

import (
	"os"
	"path/filepath"
)

// defaultDataDir returns the XDG data directory for the application,
// typically ~/.local/share/askdocs.
func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "askdocs-data"
		}
	}
	return filepath.Join(dir, "askdocs")
}

// configFilePath returns the XDG path of the config file, typically
// ~/.config/askdocs/config.yaml.
func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "askdocs", "config.yaml")
}

package config

import (
	"os"
	"path/filepath"
)

// systemDataDir is the Linux/Unix system data root.
var systemDataDir = "/var/lib"

// DefaultDataDir returns the default data directory based on the host OS.
// It prefers standard locations when available and falls back to a dotdir
// in the user's home directory.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}

	// XDG (Linux) override
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "smyte-db")
	}

	// Common Linux/Unix system dir
	if isDir(systemDataDir) {
		return filepath.Join(systemDataDir, "smyte-db")
	}

	// macOS
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "SmyteDB")
	}

	// Windows
	if isDir(filepath.Join(homeDir, "AppData")) {
		return filepath.Join(homeDir, "AppData", "Local", "SmyteDB")
	}

	// Fallback: ~/.smyte-db
	return filepath.Join(homeDir, ".smyte-db")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

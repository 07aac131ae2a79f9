package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.nachat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nachat")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// StateDir returns the state directory, honoring an override from config.
func StateDir(override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(BaseDir(), "state")
}

// SnapshotDBPath returns the SQLite snapshot store path.
func SnapshotDBPath(stateDir string) string {
	return filepath.Join(stateDir, "nachat.db")
}

// MembersDBPath returns the members index path.
func MembersDBPath(stateDir string) string {
	return filepath.Join(stateDir, "members.db")
}

// LogDir returns the log directory.
func LogDir(stateDir string) string {
	return filepath.Join(stateDir, "logs")
}

// LogPath returns the client log file path.
func LogPath(stateDir string) string {
	return filepath.Join(LogDir(stateDir), "nachat.log")
}

// EnsureStateDir creates the state directory tree with proper permissions.
func EnsureStateDir(stateDir string) error {
	dirs := []string{
		stateDir,
		LogDir(stateDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

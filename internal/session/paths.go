package session

import (
	"os"
	"path/filepath"
)

const DefaultSessionName = "main"

// BaseDir returns ~/.bluedesk.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bluedesk")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the app-owned bluedesk.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "bluedesk.db")
}

// AttachmentCacheDir returns the attachment cache directory for a session.
func AttachmentCacheDir(name string) string {
	return filepath.Join(Dir(name), "attachments")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "bluedeskd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Resolve determines the active session name: the flag override when given,
// otherwise "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	return DefaultSessionName
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		AttachmentCacheDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

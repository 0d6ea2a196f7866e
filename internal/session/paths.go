package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.parley.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".parley")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// DBPath returns the conversation cache database path for a session.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "parley.db")
}

// KeystoreDir returns the directory holding device identity key files.
func KeystoreDir(name string) string {
	return filepath.Join(Dir(name), "keys")
}

// CredentialsPath returns the per-session credentials file path.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.toml")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "parleyd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only
// permissions. The keystore dir holds private key material.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		KeystoreDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

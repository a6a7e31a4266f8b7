package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dirs holds the writable directories of the service.
type Dirs struct {
	Logs   string
	Data   string
	Backup string
	Cache  string
	Config string
}

// ResolveDirs determines the service directories from the UCTI_*
// environment variables, falling back to ~/.ucti/<name>.
func ResolveDirs() (Dirs, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("config: home directory: %w", err)
	}
	root := filepath.Join(home, ".ucti")
	return Dirs{
		Logs:   envOr("UCTI_LOG_DIR", filepath.Join(root, "logs")),
		Data:   envOr("UCTI_DATA_DIR", filepath.Join(root, "data")),
		Backup: envOr("UCTI_BACKUP_DIR", filepath.Join(root, "backup")),
		Cache:  envOr("UCTI_CACHE_DIR", filepath.Join(root, "cache")),
		Config: envOr("UCTI_CONFIG_DIR", filepath.Join(root, "config")),
	}, nil
}

// Ensure creates every directory that does not exist yet.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Logs, d.Data, d.Backup, d.Cache, d.Config} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location inside the data dir.
func (d Dirs) DatabasePath() string { return filepath.Join(d.Data, "ucti.db") }

// ConfigPath returns the configuration file location.
func (d Dirs) ConfigPath() string { return filepath.Join(d.Config, FileName) }

// Environ renders the directory set as UCTI_* environment assignments for
// child processes.
func (d Dirs) Environ() []string {
	return []string{
		"UCTI_LOG_DIR=" + d.Logs,
		"UCTI_DATA_DIR=" + d.Data,
		"UCTI_BACKUP_DIR=" + d.Backup,
		"UCTI_CACHE_DIR=" + d.Cache,
		"UCTI_CONFIG_DIR=" + d.Config,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subdirectories the backend expects under the data dir.
var dataSubdirs = []string{"data", "uploads"}

// EnsureDataDirs creates the data dir, its subdirectories and the log dir.
// Only the data dir itself is mandatory; missing subdirectories are left for
// the backend to create.
func EnsureDataDirs(cfg Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	for _, sub := range dataSubdirs {
		_ = os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755)
	}
	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return nil
}

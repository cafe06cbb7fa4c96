// Package util holds the small helpers shared across the replication
// packages: path expansion, byte formatting and the permission modes
// every created file and directory uses.
package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// UserWritableDirPerms is the mode for directories this tool creates
	// (rwxr-xr-x). The owner must keep write access across runs.
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms is the mode for files this tool creates
	// (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// ExpandPath resolves a leading tilde against the current user's home
// directory. Paths without one pass through untouched.
func ExpandPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not resolve the home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ByteCountIEC renders a byte count in binary units, e.g. 1536 becomes
// "1.5 KiB". Pool space reports use it so log lines stay readable for
// multi-terabyte pools.
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// InvertMap builds the reverse lookup of m. Enum types keep one
// canonical name-to-value map and derive the other direction from it.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

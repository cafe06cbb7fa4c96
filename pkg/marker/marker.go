// Package marker records the most recently mirrored month for each pool
// dataset as a small JSON file. The files are breadcrumbs for operators:
// planning never reads them, it always re-derives state from the pool's
// own snapshot list.
package marker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmillwood/backups/pkg/util"
)

// Content holds the contents of a mirror marker file.
type Content struct {
	Pool         string    `json:"pool"`
	Dataset      string    `json:"dataset"`
	Month        string    `json:"month"`
	RunID        string    `json:"runId,omitempty"`
	TimestampUTC time.Time `json:"timestampUTC"`
}

// FileName returns the marker file name for a pool dataset. Nested dataset
// names contain slashes, which are flattened so the name stays a single
// path element.
func FileName(pool, dataset string) string {
	return "last-mirrored-" + pool + "-" + strings.ReplaceAll(dataset, "/", "-") + ".json"
}

// Write creates or replaces the marker file for content's pool dataset
// inside dirPath, creating the directory if needed.
func Write(dirPath string, content *Content) error {
	if err := os.MkdirAll(dirPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create marker directory: %w", err)
	}

	markerPath := filepath.Join(dirPath, FileName(content.Pool, content.Dataset))
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal marker data: %w", err)
	}

	if err := os.WriteFile(markerPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write marker file %s: %w", markerPath, err)
	}

	return nil
}

// Read opens and parses the marker file for a pool dataset in dirPath.
func Read(dirPath, pool, dataset string) (Content, error) {
	markerPath := filepath.Join(dirPath, FileName(pool, dataset))
	markerFile, err := os.Open(markerPath)
	if err != nil {
		// Note: os.IsNotExist errors are handled by the caller.
		return Content{}, err // Return the original error so os.IsNotExist works.
	}
	defer markerFile.Close()

	var content Content
	decoder := json.NewDecoder(markerFile)
	if err := decoder.Decode(&content); err != nil {
		return Content{}, fmt.Errorf("could not parse marker file %s: %w. It may be corrupt", markerPath, err)
	}

	return content, nil
}

// Package catalog loads the column-description catalogue: curated
// business descriptions of dataset columns used to ground generated
// SQL in real column semantics.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// Entry describes the columns of one source file.
type Entry struct {
	FileName           string            `json:"file_name"`
	ColumnDescriptions map[string]string `json:"column_descriptions"`
}

// Catalog is the merged catalogue. Immutable after Load.
type Catalog struct {
	log     *slog.Logger
	path    string
	entries []Entry
	merged  map[string]string // lowercase column -> description
	modTime time.Time
}

// Load reads the catalogue file. A missing file yields an empty
// catalogue; prompts then carry schema types only.
func Load(log *slog.Logger, path string) (*Catalog, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	c := &Catalog{log: log, path: path, merged: map[string]string{}}
	if path == "" {
		return c, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("catalog: file not found, descriptions disabled", "path", path)
			return c, nil
		}
		return nil, fmt.Errorf("failed to stat catalog: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	for _, entry := range entries {
		for column, description := range entry.ColumnDescriptions {
			c.merged[strings.ToLower(column)] = description
		}
	}
	c.entries = entries
	c.modTime = info.ModTime()
	log.Info("catalog: loaded", "files", len(entries), "columns", len(c.merged))
	return c, nil
}

// Describe returns the description for a column, case-insensitively.
func (c *Catalog) Describe(column string) (string, bool) {
	desc, ok := c.merged[strings.ToLower(column)]
	return desc, ok
}

// Columns returns the described column names, sorted.
func (c *Catalog) Columns() []string {
	out := make([]string, 0, len(c.merged))
	for column := range c.merged {
		out = append(out, column)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether any descriptions loaded.
func (c *Catalog) Empty() bool { return len(c.merged) == 0 }

// ModTime is the catalogue file's modification time at load, used to
// key caches that depend on catalogue content.
func (c *Catalog) ModTime() time.Time { return c.modTime }

// Package catalog discovers the snapshots present under the configured
// source roots and answers ordering and grouping queries about them.
//
// Snapshot names are plain directory names whose lexicographic order is
// their chronological order; every valid name begins with a YYYY-MM
// prefix. The catalog is scanned once per run and then shared read-only
// by every destination, so all planning in a run works from the same
// view of the source.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmillwood/backups/pkg/plog"
)

// Name is a snapshot name as it appears on disk. Values are produced by
// ParseName; the accessor methods rely on the validated YYYY-MM prefix.
type Name string

func (n Name) String() string { return string(n) }

// Month returns the YYYY-MM month key the snapshot belongs to.
func (n Name) Month() string { return string(n[:7]) }

// Year returns the YYYY year component of the snapshot name.
func (n Name) Year() string { return string(n[:4]) }

// MalformedNameError reports a directory entry that is not a valid
// snapshot name. Scans skip such entries instead of aborting.
type MalformedNameError struct {
	Entry  string
	Reason string
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("malformed snapshot name %q: %s", e.Entry, e.Reason)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParseName validates a directory entry as a snapshot name. A valid name
// is "YYYY-MM" or "YYYY-MM-..." with a real month number; anything else
// yields a MalformedNameError.
func ParseName(entry string) (Name, error) {
	if len(entry) < 7 {
		return "", &MalformedNameError{Entry: entry, Reason: "shorter than a YYYY-MM prefix"}
	}
	if !isDigits(entry[0:4]) {
		return "", &MalformedNameError{Entry: entry, Reason: "year is not numeric"}
	}
	if entry[4] != '-' {
		return "", &MalformedNameError{Entry: entry, Reason: "missing year-month separator"}
	}
	if !isDigits(entry[5:7]) {
		return "", &MalformedNameError{Entry: entry, Reason: "month is not numeric"}
	}
	if month := entry[5:7]; month < "01" || month > "12" {
		return "", &MalformedNameError{Entry: entry, Reason: "month out of range"}
	}
	if len(entry) > 7 && entry[7] != '-' {
		return "", &MalformedNameError{Entry: entry, Reason: "month is not delimited"}
	}
	return Name(entry), nil
}

// Snapshot is one cataloged snapshot and where it lives on the source.
type Snapshot struct {
	Name Name
	Path string
}

// Catalog is the set of snapshots found under the source roots, held in
// chronological order.
type Catalog struct {
	snaps  []Snapshot
	byName map[Name]string
}

// Scan reads the immediate entries of each source root and builds the
// catalog. Entries whose names don't parse, and entries that are not
// directories, are skipped with a warning; a bad entry never aborts the
// scan. When the same name appears under more than one root, the first
// configured root wins.
func Scan(roots []string) (*Catalog, error) {
	c := &Catalog{byName: make(map[Name]string)}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("could not scan snapshot root: %w", err)
		}
		for _, entry := range entries {
			name, err := ParseName(entry.Name())
			if err != nil {
				plog.Warn("Skipping malformed snapshot name", "root", root, "entry", entry.Name(), "error", err)
				continue
			}
			if !entry.IsDir() {
				plog.Warn("Skipping non-directory entry in snapshot root", "root", root, "entry", entry.Name())
				continue
			}
			path := filepath.Join(root, entry.Name())
			if _, dup := c.byName[name]; dup {
				plog.Warn("Duplicate snapshot name in a later root, keeping the first", "name", name, "ignored", path)
				continue
			}
			c.byName[name] = path
			c.snaps = append(c.snaps, Snapshot{Name: name, Path: path})
		}
	}
	sort.Slice(c.snaps, func(i, j int) bool { return c.snaps[i].Name < c.snaps[j].Name })
	return c, nil
}

// Len returns the number of cataloged snapshots.
func (c *Catalog) Len() int { return len(c.snaps) }

// Names returns all snapshot names in chronological order.
func (c *Catalog) Names() []Name {
	names := make([]Name, len(c.snaps))
	for i, s := range c.snaps {
		names[i] = s.Name
	}
	return names
}

// Path returns the on-disk location of a cataloged snapshot.
func (c *Catalog) Path(n Name) (string, bool) {
	path, ok := c.byName[n]
	return path, ok
}

// MonthGroup lists one month's snapshots in chronological order.
type MonthGroup struct {
	Month string
	Names []Name
}

// ByMonth groups the catalog by month key. Months ascend and each
// group's members are chronological.
func (c *Catalog) ByMonth() []MonthGroup {
	var groups []MonthGroup
	for _, s := range c.snaps {
		month := s.Name.Month()
		if len(groups) == 0 || groups[len(groups)-1].Month != month {
			groups = append(groups, MonthGroup{Month: month})
		}
		last := &groups[len(groups)-1]
		last.Names = append(last.Names, s.Name)
	}
	return groups
}

// Anchor is the chronologically first snapshot of a month. Its content
// stands in for the whole month on mirror destinations.
type Anchor struct {
	Month string
	Name  Name
	Path  string
}

// MonthAnchors returns one anchor per month, months ascending.
func (c *Catalog) MonthAnchors() []Anchor {
	var anchors []Anchor
	for _, s := range c.snaps {
		month := s.Name.Month()
		if len(anchors) > 0 && anchors[len(anchors)-1].Month == month {
			continue
		}
		anchors = append(anchors, Anchor{Month: month, Name: s.Name, Path: s.Path})
	}
	return anchors
}

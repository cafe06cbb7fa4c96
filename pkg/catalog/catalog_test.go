package catalog_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bmillwood/backups/pkg/catalog"
	"github.com/bmillwood/backups/pkg/plog"
)

func TestParseName(t *testing.T) {
	testCases := []struct {
		name      string
		entry     string
		expectErr bool
	}{
		{name: "Bare month", entry: "2024-01", expectErr: false},
		{name: "Daily snapshot", entry: "2024-01-15", expectErr: false},
		{name: "Timestamped snapshot", entry: "2024-12-31-235900", expectErr: false},
		{name: "December", entry: "2023-12", expectErr: false},
		{name: "Empty", entry: "", expectErr: true},
		{name: "Too short", entry: "2024-1", expectErr: true},
		{name: "No separator", entry: "202401-15", expectErr: true},
		{name: "Alphabetic year", entry: "yyyy-01-15", expectErr: true},
		{name: "Alphabetic month", entry: "2024-ja-15", expectErr: true},
		{name: "Month zero", entry: "2024-00-15", expectErr: true},
		{name: "Month thirteen", entry: "2024-13-01", expectErr: true},
		{name: "Month not delimited", entry: "2024-015", expectErr: true},
		{name: "Underscore separator", entry: "2024_01_15", expectErr: true},
		{name: "Hidden file", entry: ".snapshots", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := catalog.ParseName(tc.entry)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("expected an error for %q, got name %q", tc.entry, got)
				}
				var malformed *catalog.MalformedNameError
				if !errors.As(err, &malformed) {
					t.Errorf("expected a MalformedNameError, got %T: %v", err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.entry, err)
			}
			if string(got) != tc.entry {
				t.Errorf("ParseName(%q) = %q, want the input back", tc.entry, got)
			}
		})
	}
}

func TestNameAccessors(t *testing.T) {
	n, err := catalog.ParseName("2024-03-15-020000")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if n.Month() != "2024-03" {
		t.Errorf("Month() = %q, want %q", n.Month(), "2024-03")
	}
	if n.Year() != "2024" {
		t.Errorf("Year() = %q, want %q", n.Year(), "2024")
	}
}

// writeSnapshotDirs creates one directory per name under root.
func writeSnapshotDirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(root, name), 0755); err != nil {
			t.Fatalf("could not create fixture dir %s: %v", name, err)
		}
	}
}

func TestScan(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	rootA := t.TempDir()
	rootB := t.TempDir()

	writeSnapshotDirs(t, rootA, "2024-02-01", "2024-01-15", "not-a-snapshot", "2024-01-01")
	writeSnapshotDirs(t, rootB, "2023-12-31", "2024-01-15") // 2024-01-15 duplicates rootA
	// A valid name that is a regular file, not a snapshot directory.
	if err := os.WriteFile(filepath.Join(rootA, "2024-03-01"), []byte("stray"), 0644); err != nil {
		t.Fatalf("could not create fixture file: %v", err)
	}

	c, err := catalog.Scan([]string{rootA, rootB})
	if err != nil {
		t.Fatalf("Scan returned unexpected error: %v", err)
	}

	wantNames := []catalog.Name{"2023-12-31", "2024-01-01", "2024-01-15", "2024-02-01"}
	gotNames := c.Names()
	if len(gotNames) != len(wantNames) {
		t.Fatalf("expected %d snapshots, got %d: %v", len(wantNames), len(gotNames), gotNames)
	}
	for i := range wantNames {
		if gotNames[i] != wantNames[i] {
			t.Errorf("name %d: expected %q, got %q", i, wantNames[i], gotNames[i])
		}
	}

	t.Run("Duplicate name keeps the first root", func(t *testing.T) {
		path, ok := c.Path("2024-01-15")
		if !ok {
			t.Fatal("expected 2024-01-15 to be cataloged")
		}
		if want := filepath.Join(rootA, "2024-01-15"); path != want {
			t.Errorf("expected path %q from the first root, got %q", want, path)
		}
	})

	t.Run("Malformed and non-directory entries are warned about", func(t *testing.T) {
		output := logBuf.String()
		if !strings.Contains(output, "level=WARN") || !strings.Contains(output, "malformed snapshot name") {
			t.Errorf("expected a malformed-name warning in log output, got: %s", output)
		}
		if !strings.Contains(output, "non-directory entry") {
			t.Errorf("expected a non-directory warning in log output, got: %s", output)
		}
	})

	t.Run("Missing root aborts the scan", func(t *testing.T) {
		if _, err := catalog.Scan([]string{filepath.Join(rootA, "does-not-exist")}); err == nil {
			t.Error("expected an error scanning a missing root")
		}
	})
}

func TestByMonth(t *testing.T) {
	root := t.TempDir()
	writeSnapshotDirs(t, root,
		"2024-02-10", "2024-01-15", "2024-01-01", "2023-12-31", "2024-02-20")

	c, err := catalog.Scan([]string{root})
	if err != nil {
		t.Fatalf("Scan returned unexpected error: %v", err)
	}

	groups := c.ByMonth()
	want := []struct {
		month string
		names []catalog.Name
	}{
		{"2023-12", []catalog.Name{"2023-12-31"}},
		{"2024-01", []catalog.Name{"2024-01-01", "2024-01-15"}},
		{"2024-02", []catalog.Name{"2024-02-10", "2024-02-20"}},
	}

	if len(groups) != len(want) {
		t.Fatalf("expected %d month groups, got %d: %v", len(want), len(groups), groups)
	}
	for i, w := range want {
		if groups[i].Month != w.month {
			t.Errorf("group %d: expected month %q, got %q", i, w.month, groups[i].Month)
		}
		if len(groups[i].Names) != len(w.names) {
			t.Fatalf("group %q: expected %d members, got %d", w.month, len(w.names), len(groups[i].Names))
		}
		for j, name := range w.names {
			if groups[i].Names[j] != name {
				t.Errorf("group %q member %d: expected %q, got %q", w.month, j, name, groups[i].Names[j])
			}
		}
	}
}

func TestMonthAnchors(t *testing.T) {
	root := t.TempDir()
	writeSnapshotDirs(t, root,
		"2024-02-10", "2024-01-15", "2024-01-01", "2024-02-20")

	c, err := catalog.Scan([]string{root})
	if err != nil {
		t.Fatalf("Scan returned unexpected error: %v", err)
	}

	anchors := c.MonthAnchors()
	if len(anchors) != 2 {
		t.Fatalf("expected 2 anchors, got %d: %v", len(anchors), anchors)
	}
	if anchors[0].Month != "2024-01" || anchors[0].Name != "2024-01-01" {
		t.Errorf("anchor 0: expected 2024-01/2024-01-01, got %s/%s", anchors[0].Month, anchors[0].Name)
	}
	if anchors[1].Month != "2024-02" || anchors[1].Name != "2024-02-10" {
		t.Errorf("anchor 1: expected 2024-02/2024-02-10, got %s/%s", anchors[1].Month, anchors[1].Name)
	}
	if want := filepath.Join(root, "2024-01-01"); anchors[0].Path != want {
		t.Errorf("anchor 0 path: expected %q, got %q", want, anchors[0].Path)
	}
}

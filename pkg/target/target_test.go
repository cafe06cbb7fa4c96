package target_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmillwood/backups/pkg/hints"
	"github.com/bmillwood/backups/pkg/target"
)

// probeFixed returns a probe that reports exactly the given paths as mounted.
func probeFixed(mounted ...string) func(string) (bool, error) {
	set := make(map[string]bool, len(mounted))
	for _, m := range mounted {
		set[m] = true
	}
	return func(path string) (bool, error) {
		return set[path], nil
	}
}

func TestResolveRemovable(t *testing.T) {
	candidates := []string{"/mnt/usb-a", "/mnt/usb-b", "/mnt/usb-c"}

	t.Run("Exactly one mounted candidate wins", func(t *testing.T) {
		r := &target.Resolver{Probe: probeFixed("/mnt/usb-b")}

		got, err := r.ResolveRemovable(candidates)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "/mnt/usb-b" {
			t.Errorf("expected /mnt/usb-b, got %q", got)
		}
	})

	t.Run("No mounted candidate is a hint, not a failure", func(t *testing.T) {
		r := &target.Resolver{Probe: probeFixed()}

		_, err := r.ResolveRemovable(candidates)
		if err == nil {
			t.Fatal("expected an error for zero mounted candidates")
		}
		if !errors.Is(err, target.ErrNoTargetAvailable) {
			t.Errorf("expected ErrNoTargetAvailable, got: %v", err)
		}
		if !hints.IsHint(err) {
			t.Errorf("expected a hint-style error, got: %v", err)
		}
	})

	t.Run("Two mounted candidates abort", func(t *testing.T) {
		r := &target.Resolver{Probe: probeFixed("/mnt/usb-a", "/mnt/usb-c")}

		_, err := r.ResolveRemovable(candidates)
		if err == nil {
			t.Fatal("expected an error for two mounted candidates")
		}

		var ambiguous *target.AmbiguousTargetError
		if !errors.As(err, &ambiguous) {
			t.Fatalf("expected an AmbiguousTargetError, got %T: %v", err, err)
		}
		if len(ambiguous.Present) != 2 {
			t.Fatalf("expected 2 present candidates, got %v", ambiguous.Present)
		}
		if ambiguous.Present[0] != "/mnt/usb-a" || ambiguous.Present[1] != "/mnt/usb-c" {
			t.Errorf("unexpected present candidates: %v", ambiguous.Present)
		}
		if hints.IsHint(err) {
			t.Error("an ambiguous target must not be a hint; it needs operator attention")
		}
	})

	t.Run("Probe errors surface", func(t *testing.T) {
		probeErr := fmt.Errorf("permission denied")
		r := &target.Resolver{Probe: func(string) (bool, error) { return false, probeErr }}

		_, err := r.ResolveRemovable(candidates)
		if !errors.Is(err, probeErr) {
			t.Errorf("expected the probe error to surface, got: %v", err)
		}
	})

	t.Run("No candidates configured behaves like none mounted", func(t *testing.T) {
		r := &target.Resolver{Probe: probeFixed("/mnt/usb-a")}

		_, err := r.ResolveRemovable(nil)
		if !errors.Is(err, target.ErrNoTargetAvailable) {
			t.Errorf("expected ErrNoTargetAvailable, got: %v", err)
		}
	})
}

func TestResolvePools(t *testing.T) {
	configured := []string{"tank", "vault"}

	testCases := []struct {
		name      string
		listed    []string
		want      []string
		wantUnexp []string
	}{
		{
			name:   "All configured pools present, configuration order kept",
			listed: []string{"vault", "tank"},
			want:   []string{"tank", "vault"},
		},
		{
			name:   "Subset of pools present",
			listed: []string{"vault"},
			want:   []string{"vault"},
		},
		{
			name:   "No pools present",
			listed: nil,
			want:   nil,
		},
		{
			name:      "Unknown pool aborts",
			listed:    []string{"tank", "scratch"},
			wantUnexp: []string{"scratch"},
		},
		{
			name:      "Only unknown pools abort",
			listed:    []string{"scratch", "junk"},
			wantUnexp: []string{"scratch", "junk"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := target.ResolvePools(tc.listed, configured)

			if len(tc.wantUnexp) > 0 {
				var unexpected *target.UnexpectedPoolError
				if !errors.As(err, &unexpected) {
					t.Fatalf("expected an UnexpectedPoolError, got %T: %v", err, err)
				}
				if len(unexpected.Pools) != len(tc.wantUnexp) {
					t.Fatalf("expected unexpected pools %v, got %v", tc.wantUnexp, unexpected.Pools)
				}
				for i := range tc.wantUnexp {
					if unexpected.Pools[i] != tc.wantUnexp[i] {
						t.Errorf("unexpected pool %d: expected %q, got %q", i, tc.wantUnexp[i], unexpected.Pools[i])
					}
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected pools %v, got %v", tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("pool %d: expected %q, got %q", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestMountedDirProbe(t *testing.T) {
	t.Run("Missing path is absent, not an error", func(t *testing.T) {
		ok, err := target.MountedDirProbe(filepath.Join(t.TempDir(), "never-mounted"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected a missing path to be absent")
		}
	})

	t.Run("Regular file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "disk")
		if err := os.WriteFile(path, []byte("not a mount"), 0644); err != nil {
			t.Fatalf("could not create fixture: %v", err)
		}
		if _, err := target.MountedDirProbe(path); err == nil {
			t.Error("expected an error probing a regular file")
		}
	})
}

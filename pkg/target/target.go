// Package target resolves which replication destinations are actually
// reachable for a run.
//
// Removable targets rotate: several mount paths are configured but at
// most one disk is expected to be attached. Mirror pools are always
// attached in principle, but any subset may be present; each present
// pool is handled independently.
package target

import (
	"fmt"
	"strings"

	"github.com/bmillwood/backups/pkg/hints"
)

// ErrNoTargetAvailable means none of the removable candidates is
// mounted. It is a hint: the send path is skipped for this run, the
// operator attaches a disk and re-invokes.
var ErrNoTargetAvailable = hints.New("no removable target attached")

// AmbiguousTargetError lists the candidates found mounted when only one
// rotating disk may be attached at a time. The send path aborts rather
// than guess which disk the operator intends.
type AmbiguousTargetError struct {
	Present []string
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("ambiguous removable target: %d candidates are mounted (%s); detach all but one",
		len(e.Present), strings.Join(e.Present, ", "))
}

// UnexpectedPoolError means the pool listing reported a pool this
// deployment does not know about. The mirror path aborts rather than
// guess where such a pool's data should come from.
type UnexpectedPoolError struct {
	Pools []string
}

func (e *UnexpectedPoolError) Error() string {
	return fmt.Sprintf("unexpected mirror pool(s) reported by the system: %s; update the configuration before mirroring",
		strings.Join(e.Pools, ", "))
}

// Resolver probes candidate destinations.
type Resolver struct {
	// Probe reports whether a candidate path is a mounted, usable
	// target. Injectable for tests.
	Probe func(path string) (bool, error)
}

// NewResolver returns a Resolver using the platform mount probe.
func NewResolver() *Resolver {
	return &Resolver{Probe: MountedDirProbe}
}

// ResolveRemovable probes the configured candidate paths and returns
// the single mounted one. Zero mounted candidates yields
// ErrNoTargetAvailable; two or more yield an AmbiguousTargetError.
func (r *Resolver) ResolveRemovable(candidates []string) (string, error) {
	var present []string
	for _, path := range candidates {
		ok, err := r.Probe(path)
		if err != nil {
			return "", fmt.Errorf("could not probe target candidate %s: %w", path, err)
		}
		if ok {
			present = append(present, path)
		}
	}

	switch len(present) {
	case 0:
		return "", fmt.Errorf("%w (checked %d candidate paths)", ErrNoTargetAvailable, len(candidates))
	case 1:
		return present[0], nil
	default:
		return "", &AmbiguousTargetError{Present: present}
	}
}

// ResolvePools intersects the pools the system reports with the
// configured ones, preserving configuration order. Configured pools
// that are not listed are simply absent this run. Listed pools that are
// not configured abort with an UnexpectedPoolError.
func ResolvePools(listed, configured []string) ([]string, error) {
	known := make(map[string]bool, len(configured))
	for _, pool := range configured {
		known[pool] = true
	}

	var unexpected []string
	seen := make(map[string]bool, len(listed))
	for _, pool := range listed {
		seen[pool] = true
		if !known[pool] {
			unexpected = append(unexpected, pool)
		}
	}
	if len(unexpected) > 0 {
		return nil, &UnexpectedPoolError{Pools: unexpected}
	}

	var present []string
	for _, pool := range configured {
		if seen[pool] {
			present = append(present, pool)
		}
	}
	return present, nil
}

// Package lockfile guards a destination directory against concurrent runs.
// Two runs writing into the same removable target (or the same pool state
// directory) would interleave their transfers and corrupt the chain, so
// every destination takes a lock before its first operation and holds it
// until the run is done with that destination.
//
// A lock is a small JSON file created with O_EXCL. The holder refreshes
// its timestamp in the background; a lock whose timestamp stopped moving
// is abandoned and may be taken over. Takeover goes through an atomic
// rename plus a nonce read-back, so two takers cannot both believe they
// won.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/util"
)

// LockFileName is created inside the locked directory. The '~' prefix
// marks the file as transient tooling state.
const LockFileName = ".~backups.lock"

// LockContent is what the holder writes into the lock file. It exists for
// operators (who is holding this disk?) and for the staleness check;
// nothing else is derived from it.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	AppID      string    `json:"appId"`
	Nonce      string    `json:"nonce"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive reports a lock whose holder is still heartbeating.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock held by pid %d on %s (%s), refreshed %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace means another process seized a stale lock between our write
// and our read-back.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile means the lock file stayed empty or unparseable
// across read retries. Corrupt locks are treated like stale ones.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Heartbeat cadence. Transfers run for hours, so staleness is judged by
// the heartbeat age alone, never by the age of the lock itself. Vars so
// tests can shrink them.
var (
	heartbeatInterval = time.Minute
	staleAfter        = 3 * heartbeatInterval
)

const (
	acquireAttempts   = 3
	acquireRetryDelay = 100 * time.Millisecond
	readAttempts      = 3
	readRetryDelay    = 50 * time.Millisecond
)

// Lock is a held destination lock. Releasing more than once is a no-op.
type Lock struct {
	path    string
	content LockContent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Acquire locks dirPath on behalf of appID. It returns *ErrLockActive
// when another process holds a live lock there, and retries a few times
// around takeover races before giving up.
func Acquire(ctx context.Context, dirPath string, appID string) (*Lock, error) {
	path := filepath.Join(dirPath, LockFileName)

	for i := 0; i < acquireAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := claim(path, appID)
		if err == nil {
			return lock.start(), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// Someone holds the file. Heartbeating means busy; a heartbeat
		// older than staleAfter, or a file that cannot be parsed, means
		// the holder is gone and the lock may be seized.
		content, readErr := readContent(path)
		switch {
		case readErr == nil:
			age := time.Since(content.LastUpdate)
			if age < staleAfter {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: age,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "path", path, "pid", content.PID, "age", age.Truncate(time.Second))
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		default:
			// Transient read problem, or the holder released between our
			// claim and our read. Try the whole acquisition again.
			time.Sleep(acquireRetryDelay)
			continue
		}

		lock, err = seize(path, appID)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Lock takeover failed, retrying", "error", err)
			}
			time.Sleep(acquireRetryDelay)
			continue
		}
		return lock.start(), nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", acquireAttempts)
}

// Release stops the heartbeat and deletes the lock file. The heartbeat is
// fully stopped first: a tick landing after the delete would recreate the
// file and leave a phantom lock behind.
func (l *Lock) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
			return
		}
		plog.Debug("Lock released", "path", l.path)
	})
}

// claim creates the lock file with O_CREATE|O_EXCL, the one step that
// decides who got there first. A claimed file that cannot be filled in is
// removed again so it does not read as corrupt to the next contender.
func claim(path, appID string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}

	content, err := newContent(appID)
	if err == nil {
		err = encodeContent(f, content)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("could not close lock file: %w", closeErr)
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return newLock(path, content), nil
}

// seize replaces a stale or corrupt lock file through an atomic rename
// and reads it back. The nonce decides the race: whoever's write survived
// the renames owns the lock, everyone else lost.
func seize(path, appID string) (*Lock, error) {
	content, err := newContent(appID)
	if err != nil {
		return nil, err
	}
	if err := replaceAtomic(path, content); err != nil {
		return nil, err
	}

	onDisk, err := readContent(path)
	if err != nil {
		return nil, fmt.Errorf("could not read back lock file after takeover: %w", err)
	}
	if onDisk.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return newLock(path, content), nil
}

func newContent(appID string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		AppID:      appID,
		Nonce:      uuid.NewString(),
		LastUpdate: time.Now().UTC(),
	}, nil
}

func newLock(path string, content LockContent) *Lock {
	return &Lock{
		path:    path,
		content: content,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start sweeps leftovers of earlier runs and begins heartbeating.
func (l *Lock) start() *Lock {
	sweepTempFiles(l.path)
	go l.heartbeat()
	return l
}

// heartbeat refreshes the lock's timestamp until Release. A failed
// refresh is retried on the next tick; the lock only goes stale when
// refreshes keep failing past staleAfter.
func (l *Lock) heartbeat() {
	defer close(l.done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	content := l.content
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			content.LastUpdate = time.Now().UTC()
			if err := replaceAtomic(l.path, content); err != nil {
				plog.Warn("Could not refresh lock heartbeat", "path", l.path, "error", err)
			}
		}
	}
}

// replaceAtomic writes content to a temp file and renames it over the
// lock, so readers never observe a half-written file. The temp file lives
// next to the lock because rename is only atomic within one filesystem.
func replaceAtomic(path string, content LockContent) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp lock file: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temp lock file", "path", tmpPath, "error", err)
		}
	}()

	if err := encodeContent(f, content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("could not sync temp lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("could not close temp lock file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("could not move lock file into place: %w", err)
	}
	return nil
}

// sweepTempFiles deletes temp files a crashed holder left next to the
// lock. Only files untouched for longer than staleAfter go; newer ones
// may belong to a concurrent heartbeat mid-write.
func sweepTempFiles(path string) {
	matches, err := filepath.Glob(path + ".*.tmp")
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-staleAfter)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		plog.Debug("Removing leftover temp lock file", "path", match)
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temp lock file", "path", match, "error", err)
		}
	}
}

func encodeContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("could not write lock content: %w", err)
	}
	return nil
}

// readContent reads and parses the lock file. Writes go through an atomic
// rename, but filesystems still surface transient states, so an empty or
// unparseable file is retried briefly before it is declared corrupt.
func readContent(path string) (LockContent, error) {
	var decodeErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return LockContent{}, err
		}
		if len(data) == 0 {
			decodeErr = errors.New("file is empty")
			continue
		}

		var content LockContent
		if err := json.Unmarshal(data, &content); err != nil {
			decodeErr = err
			continue
		}
		return content, nil
	}
	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, decodeErr)
}

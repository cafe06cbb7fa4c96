// Package runlog stores the captured output of transfer commands on disk.
//
// Every run gets its own directory under the configured log base path, and
// every operation inside the run writes one compressed log file into it. The
// files exist for post-mortem inspection (the "logs" command replays them),
// never for planning: the next run looks at snapshot directories, not at old
// logs.
package runlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/pool"
	"github.com/bmillwood/backups/pkg/util"
)

// Format represents the on-disk compression format for run logs.
type Format string

const (
	Gzip Format = "gzip"
	Zstd Format = "zstd"

	// DefaultFormat is used when the config does not name one.
	DefaultFormat = Gzip
)

var formatToString = map[Format]string{
	Gzip: "gzip",
	Zstd: "zstd",
}

var stringToFormat map[string]Format

func init() {
	// Inverting the map at runtime ensures formatToString is fully loaded
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_log_format(%s)", string(f))
}

// Ext returns the file name extension for the format.
func (f Format) Ext() string {
	if f == Zstd {
		return ".zst"
	}
	return ".gz"
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid log format: %q. Must be 'gzip' or 'zstd'", s)
}

// MarshalText implements the encoding.TextMarshaler interface for Format.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface for Format.
func (f *Format) UnmarshalText(text []byte) error {
	format, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = format
	return nil
}

// ioBufferSize is the buffered-writer size in front of the compressor.
// Keep it between 64KB-4MB.
const ioBufferSize = 256 * 1024

// copyBuffers backs Copy so replaying large logs does not allocate a
// fresh buffer per call.
var copyBuffers = pool.NewFixedBuffer(ioBufferSize)

// NewRunID returns a directory name for a run. The timestamp prefix keeps
// run directories sorted chronologically by name, the random suffix keeps
// two runs started within the same second apart.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Writer writes one operation's captured output as a compressed log file.
type Writer struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	comp io.WriteCloser
}

// Create opens a new log file named base plus the format extension inside
// dir, creating dir if needed. An existing file of the same name is
// truncated.
func Create(dir, base string, format Format) (*Writer, error) {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, base+".log"+format.Ext())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	buf := bufio.NewWriterSize(f, ioBufferSize)

	var comp io.WriteCloser
	if format == Zstd {
		zstdWriter, err := zstd.NewWriter(buf)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		comp = zstdWriter
	} else {
		pgzipWriter, err := pgzip.NewWriterLevel(buf, pgzip.DefaultCompression)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		comp = pgzipWriter
	}

	return &Writer{path: path, f: f, buf: buf, comp: comp}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.comp.Write(p)
}

// Path returns the absolute path of the log file.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes the compressor and the buffer and closes the file.
func (w *Writer) Close() (retErr error) {
	if err := w.comp.Close(); err != nil {
		retErr = fmt.Errorf("compressed writer close failed: %w", err)
	}
	if err := w.buf.Flush(); err != nil && retErr == nil {
		retErr = fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := w.f.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("log file close failed: %w", err)
	}
	return retErr
}

type runReader struct {
	io.Reader
	close func() error
}

func (r *runReader) Close() error { return r.close() }

// Open opens a compressed log file for replay, picking the decompressor
// from the file name extension.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, Gzip.Ext()):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip log %s: %w", path, err)
		}
		return &runReader{Reader: gz, close: func() error {
			err := gz.Close()
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		}}, nil
	case strings.HasSuffix(path, Zstd.Ext()):
		zstdReader, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd log %s: %w", path, err)
		}
		return &runReader{Reader: zstdReader, close: func() error {
			zstdReader.Close()
			return f.Close()
		}}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unrecognized log file extension: %s", path)
	}
}

// Copy streams src into dst through a pooled buffer.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// Prune deletes the oldest run directories under baseDir until at most
// keep remain. Files directly under baseDir are left alone. A negative
// keep disables pruning.
func Prune(baseDir string, keep int) error {
	if keep < 0 {
		return nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		if entry.IsDir() {
			runs = append(runs, entry.Name())
		}
	}
	if len(runs) <= keep {
		return nil
	}

	// Run IDs sort chronologically, oldest first.
	sort.Strings(runs)
	toDelete := runs[:len(runs)-keep]

	plog.Info("Deleting outdated run logs", "count", len(toDelete))

	var firstErr error
	for _, name := range toDelete {
		if err := os.RemoveAll(filepath.Join(baseDir, name)); err != nil {
			plog.Warn("Failed to delete run log directory", "path", filepath.Join(baseDir, name), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

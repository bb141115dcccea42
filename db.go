package bucketdb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const tableFileSuffix = ".tbl"

const defaultCompressionThreshold = 4096

// Bucket is the top-level handle: it owns the root storage directory and the
// set of open tables. It performs no caching or indexing of its own; all data
// operations are delegated to Tables.
type Bucket struct {
	dir     string
	opt     Options
	logger  *slog.Logger
	flogf   func(format string, args ...any)
	verbose bool

	tables map[string]*Table
	closed bool
}

type Options struct {
	Logger *slog.Logger
	Logf   func(format string, args ...any)

	// Verbose enables per-operation logging (PUT/GET/DELETE/COMPACT).
	Verbose bool

	// IsTesting skips fsync on writes, trading durability for test speed.
	IsTesting bool

	// NoCompression disables gzip compression of large payloads.
	NoCompression bool

	// CompressionThreshold is the minimum payload size eligible for
	// compression; 0 means the default (4 KiB).
	CompressionThreshold int

	// AutoCompactFraction triggers a synchronous compaction after a write
	// once dead bytes exceed this fraction of the file size; 0 disables
	// automatic compaction.
	AutoCompactFraction float64
}

// Open creates or opens a Bucket rooted at dir, creating the directory if
// absent. Fails if dir exists and is not a directory.
func Open(dir string, opt Options) (*Bucket, error) {
	if st, err := os.Stat(dir); err == nil && !st.IsDir() {
		return nil, fmt.Errorf("bucketdb: not a directory: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("bucketdb: %w", err)
	}

	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bucket{
		dir:     dir,
		opt:     opt,
		logger:  logger,
		flogf:   opt.Logf,
		verbose: opt.Verbose,
		tables:  make(map[string]*Table),
	}, nil
}

func (b *Bucket) Dir() string {
	return b.dir
}

// Table returns the table with the given name, opening it (and creating its
// backing file) lazily on first use. Repeated calls return the same *Table.
func (b *Bucket) Table(name string) (*Table, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if t := b.tables[name]; t != nil {
		return t, nil
	}
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	t, err := openTable(b, name, filepath.Join(b.dir, name+tableFileSuffix))
	if err != nil {
		return nil, err
	}
	b.tables[name] = t
	b.logf("db: OPEN %s (%d keys)", name, len(t.dir))
	return t, nil
}

// Close releases every open table, flushing and closing its file handle.
// Any later use of the Bucket or its Tables returns ErrClosed. Close is
// idempotent.
func (b *Bucket) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, t := range b.tables {
		if err := t.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	clear(b.tables)
	return firstErr
}

func (b *Bucket) logf(format string, args ...any) {
	if !b.verbose {
		return
	}
	if b.flogf != nil {
		b.flogf(format, args...)
	} else {
		b.logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (b *Bucket) shouldCompress(payloadLen int) bool {
	if b.opt.NoCompression {
		return false
	}
	threshold := b.opt.CompressionThreshold
	if threshold == 0 {
		threshold = defaultCompressionThreshold
	}
	return payloadLen >= threshold
}

// Table names double as file names, so they must be a single safe path
// component.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("bucketdb: empty table name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("bucketdb: invalid table name %q", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("bucketdb: invalid table name %q", name)
	}
	return nil
}

// Package kv provides named, ordered byte maps on top of a single bbolt file.
//
// Every Map operation runs in its own bbolt transaction and is atomic on its own.
// There are no transactions spanning maps; callers coordinate multi-map updates
// themselves.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("kv: database closed")

// compactTxMaxSize bounds the size of each copy transaction during compaction.
const compactTxMaxSize = 64 * 1024 * 1024

// DB is a bbolt file holding any number of named maps.
type DB struct {
	path    string
	logger  *slog.Logger
	noSync  bool
	timeout time.Duration

	// mu is held shared by every operation and exclusively while compaction
	// swaps the underlying file.
	mu sync.RWMutex
	db *bbolt.DB

	rename func(oldpath, newpath string) error
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithTimeout sets how long Open waits for the file lock held by another process.
func WithTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.timeout = timeout
	}
}

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*DB, error) {
	d := &DB{
		path:    path,
		logger:  slog.Default(),
		timeout: time.Second,
		rename:  os.Rename,
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := d.openBolt(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	d.logger.Debug("opened kv database", "path", path, "noSync", d.noSync)
	return d, nil
}

func (d *DB) openBolt(path string) (*bbolt.DB, error) {
	return bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: d.timeout,
		NoSync:  d.noSync,
	})
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database. It is safe to call more than once.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing kv database", "path", d.path)
	err := d.db.Close()
	d.db = nil
	return err
}

// Map opens the named map, creating it if it does not exist.
func (d *DB) Map(name string) (*Map, error) {
	err := d.update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Map{db: d, name: []byte(name)}, nil
}

// Size returns the current size of the database file in bytes.
func (d *DB) Size() (int64, error) {
	var size int64
	err := d.view(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, err
}

// FreeBytes returns the bytes held by free pages, which Compact can reclaim.
func (d *DB) FreeBytes() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return 0, ErrClosed
	}
	return int64(d.db.Stats().FreeAlloc), nil
}

// CompactResult describes a compaction run.
type CompactResult struct {
	BytesBefore int64         `json:"bytes_before"`
	BytesAfter  int64         `json:"bytes_after"`
	Duration    time.Duration `json:"duration"`
}

// Compact rewrites the database into a fresh file and swaps it into place.
// All other operations block until compaction finishes.
func (d *DB) Compact(ctx context.Context) (*CompactResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil, ErrClosed
	}

	start := time.Now()
	result := &CompactResult{}
	if info, err := os.Stat(d.path); err == nil {
		result.BytesBefore = info.Size()
	}

	tmpPath := d.path + ".compact"
	_ = os.Remove(tmpPath)

	dst, err := d.openBolt(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("opening compaction target: %w", err)
	}

	if err := bbolt.Compact(dst, d.db, compactTxMaxSize); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("compacting database: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("closing compaction target: %w", err)
	}

	if err := d.db.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("closing database for swap: %w", err)
	}
	d.db = nil

	renameErr := d.rename(tmpPath, d.path)
	if renameErr != nil {
		d.logger.Error("compaction swap failed, reopening original", "path", d.path, "error", renameErr)
		_ = os.Remove(tmpPath)
	}

	db, err := d.openBolt(d.path)
	if err != nil {
		return nil, fmt.Errorf("reopening database after compaction: %w", err)
	}
	d.db = db

	if renameErr != nil {
		return nil, fmt.Errorf("swapping compacted database: %w", renameErr)
	}

	if info, err := os.Stat(d.path); err == nil {
		result.BytesAfter = info.Size()
	}
	result.Duration = time.Since(start)

	d.logger.Info("compacted kv database",
		"path", d.path,
		"bytes_before", result.BytesBefore,
		"bytes_after", result.BytesAfter,
		"duration", result.Duration,
	)
	return result, nil
}

func (d *DB) view(fn func(tx *bbolt.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return d.db.View(fn)
}

func (d *DB) update(fn func(tx *bbolt.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return d.db.Update(fn)
}

// Package vaultkv is an embedded, single-file, memory-mapped key-value
// store for small configuration and preference data. It behaves as an
// ordered append-only log of mutations on disk while presenting an
// unordered-map semantic in memory: the latest write for a key wins.
//
// A DB is obtained with Open, which interns one live handle per (id,
// rootDir) pair for the lifetime of the process — repeated Opens of the
// same logical store return the same *DB rather than racing two mmaps
// against each other, the role internal/registry plays.
//
// The package follows the teacher's (internal/engine.Engine) shape: a
// single struct guarding a data file with a mutex, exposing typed
// Get*/Set* command methods, a Stats-like summary (Count/TotalSize/
// ActualSize), and a Close — narrowed from a WAL-plus-in-memory-store model
// to the single-file mmap model spec.md describes.
package vaultkv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultkv/vaultkv/internal/changefeed"
	"github.com/vaultkv/vaultkv/internal/kvengine"
	"github.com/vaultkv/vaultkv/internal/recordcodec"
	"github.com/vaultkv/vaultkv/internal/registry"
)

// ErrorKind and ErrorAction re-export the kvengine load-time integrity
// vocabulary (spec.md §7) so callers never need to import internal/kvengine
// directly to install an ErrorHandler.
type (
	ErrorKind   = kvengine.ErrorKind
	ErrorAction = kvengine.ErrorAction
)

const (
	ErrCRCMismatch     = kvengine.ErrCRCMismatch
	ErrFileLengthError = kvengine.ErrFileLengthError

	ActionDiscard = kvengine.ActionDiscard
	ActionRecover = kvengine.ActionRecover
)

// ContentChangeHandler is spec.md §6's ContentChangeHandler(id) callback.
// It is invoked on every event the store's change feed emits: after the
// in-memory mapping has been reconciled against a change made by another
// process, and also after this handle's own appends and full rewrites.
type ContentChangeHandler func(id string)

// Options configures Open. The zero value is a single-process,
// unencrypted, read-write store rooted at the current directory.
type Options struct {
	RootDir          string
	MultiProcess     bool
	ReadOnly         bool
	ExpectedCapacity int
	Key              []byte
	ErrorHandler     func(id string, kind ErrorKind) ErrorAction
	Logger           *slog.Logger
	OnContentChanged ContentChangeHandler

	// ExpireAfter names the per-store default expiration duration attribute
	// spec.md §3 lists on Instance. Expiration timestamps are explicitly out
	// of scope for the core (spec.md §1): vaultkv carries the field for API
	// parity with callers migrating from a binding that sets it, but the
	// core never reads it or evicts a key because of it — an expiration
	// sweep is external-collaborator territory, same as backup/restore.
	ExpireAfter time.Duration
}

// Option mutates an Options value; WithX helpers below build the common
// ones.
type Option func(*Options)

func WithRootDir(dir string) Option { return func(o *Options) { o.RootDir = dir } }

func WithMultiProcess() Option { return func(o *Options) { o.MultiProcess = true } }

func WithReadOnly() Option { return func(o *Options) { o.ReadOnly = true } }

func WithExpectedCapacity(bytes int) Option {
	return func(o *Options) { o.ExpectedCapacity = bytes }
}

// WithEncryptionKey enables AES-128-CFB encryption of the record stream
// (spec.md §4.2). Keys longer than crypter.MaxKeySize are truncated.
func WithEncryptionKey(key []byte) Option { return func(o *Options) { o.Key = key } }

func WithErrorHandler(fn func(id string, kind ErrorKind) ErrorAction) Option {
	return func(o *Options) { o.ErrorHandler = fn }
}

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithContentChangeHandler(fn ContentChangeHandler) Option {
	return func(o *Options) { o.OnContentChanged = fn }
}

func WithExpireAfter(d time.Duration) Option { return func(o *Options) { o.ExpireAfter = d } }

// DB is a live handle to one data+meta file pair.
type DB struct {
	id          string
	registryKey string
	eng         *kvengine.Engine
	feed        *changefeed.Feed
	logger      *slog.Logger
}

var processRegistry = registry.New[*DB]()

// Open returns the DB for id, creating it on first use. Subsequent Opens of
// the same (id, options.RootDir) pair within this process return the same
// *DB (spec.md §4.7's instance registry); options passed to a later Open of
// an already-live instance are ignored, matching the original's "first open
// wins" contract.
func Open(id string, opts ...Option) (*DB, error) {
	o := Options{Logger: slog.Default()}
	for _, apply := range opts {
		apply(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	key := registry.Key(id, o.RootDir)
	return processRegistry.GetOrCreate(key, func() (*DB, error) {
		return openNew(id, key, o)
	})
}

func openNew(id, key string, o Options) (*DB, error) {
	feed := changefeed.NewFeed(0)
	if o.OnContentChanged != nil {
		feed.OnContentChanged(func() { o.OnContentChanged(id) })
	}

	logger := o.Logger
	eng, err := kvengine.Open(kvengine.Options{
		ID:               id,
		RootDir:          o.RootDir,
		MultiProcess:     o.MultiProcess,
		ReadOnly:         o.ReadOnly,
		Key:              o.Key,
		ExpectedCapacity: o.ExpectedCapacity,
		ErrorHandler:     o.ErrorHandler,
		LogHandler: func(level, msg string, args ...any) {
			logLine(logger, id, level, msg, args...)
		},
		Feed: feed,
	})
	if err != nil {
		return nil, fmt.Errorf("vaultkv: open %q: %w", id, err)
	}

	return &DB{id: id, registryKey: key, eng: eng, feed: feed, logger: logger}, nil
}

func logLine(logger *slog.Logger, id, level, msg string, args ...any) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger.Log(context.Background(), lvl, msg, append([]any{"id", id}, args...)...)
}

// ID returns the store's id, as passed to Open.
func (db *DB) ID() string { return db.id }

// --- Typed accessors (spec.md §4.8.1) ---

// GetBytes returns the byte slice stored under key, or def if absent or
// malformed.
func (db *DB) GetBytes(key string, def []byte) []byte {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	p, err := recordcodec.DecodeBytes(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed bytes value, returning default", "key", key, "err", err)
		return def
	}
	return append([]byte(nil), p...)
}

// SetBytes stores value under key, wrapped in the nested length-prefixed
// form, so an empty value is stored rather than read as a removal.
func (db *DB) SetBytes(key string, value []byte) bool {
	return db.eng.Set(key, recordcodec.EncodeBytes(value))
}

// GetString returns the string stored under key, or def if absent or
// malformed (a malformed value is logged and treated as absent, per
// spec.md §7's "codec errors during normal get are swallowed").
func (db *DB) GetString(key, def string) string {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	s, err := recordcodec.DecodeString(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed string value, returning default", "key", key, "err", err)
		return def
	}
	return s
}

// SetString stores s under key.
func (db *DB) SetString(key, s string) bool {
	return db.eng.Set(key, recordcodec.EncodeString(s))
}

// GetVec is an alias for GetBytes, matching spec.md §4.8.1's
// `get_bool/int/float/…/string/bytes/vec` accessor list — "vec" and "bytes"
// name the same owned-byte-slice representation.
func (db *DB) GetVec(key string, def []byte) []byte { return db.GetBytes(key, def) }

// SetVec is an alias for SetBytes.
func (db *DB) SetVec(key string, value []byte) bool { return db.SetBytes(key, value) }

// GetBool returns the bool stored under key, or def if absent or malformed.
func (db *DB) GetBool(key string, def bool) bool {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	b, err := recordcodec.DecodeBool(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed bool value, returning default", "key", key, "err", err)
		return def
	}
	return b
}

// SetBool stores v under key.
func (db *DB) SetBool(key string, v bool) bool {
	return db.eng.Set(key, recordcodec.EncodeBool(v))
}

// GetInt32 returns the int32 stored under key, or def if absent or
// malformed.
func (db *DB) GetInt32(key string, def int32) int32 {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	n, err := recordcodec.DecodeInt32(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed int32 value, returning default", "key", key, "err", err)
		return def
	}
	return n
}

// SetInt32 stores v under key.
func (db *DB) SetInt32(key string, v int32) bool {
	return db.eng.Set(key, recordcodec.EncodeInt32(v))
}

// GetUint32 returns the uint32 stored under key, or def if absent or
// malformed.
func (db *DB) GetUint32(key string, def uint32) uint32 {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	n, err := recordcodec.DecodeUint32(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed uint32 value, returning default", "key", key, "err", err)
		return def
	}
	return n
}

// SetUint32 stores v under key.
func (db *DB) SetUint32(key string, v uint32) bool {
	return db.eng.Set(key, recordcodec.EncodeUint32(v))
}

// GetInt64 returns the int64 stored under key, or def if absent or
// malformed.
func (db *DB) GetInt64(key string, def int64) int64 {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	n, err := recordcodec.DecodeInt64(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed int64 value, returning default", "key", key, "err", err)
		return def
	}
	return n
}

// SetInt64 stores v under key.
func (db *DB) SetInt64(key string, v int64) bool {
	return db.eng.Set(key, recordcodec.EncodeInt64(v))
}

// GetUint64 returns the uint64 stored under key, or def if absent or
// malformed.
func (db *DB) GetUint64(key string, def uint64) uint64 {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	n, err := recordcodec.DecodeUint64(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed uint64 value, returning default", "key", key, "err", err)
		return def
	}
	return n
}

// SetUint64 stores v under key.
func (db *DB) SetUint64(key string, v uint64) bool {
	return db.eng.Set(key, recordcodec.EncodeUint64(v))
}

// GetFloat32 returns the float32 stored under key, or def if absent or
// malformed.
func (db *DB) GetFloat32(key string, def float32) float32 {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	f, err := recordcodec.DecodeFloat32(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed float32 value, returning default", "key", key, "err", err)
		return def
	}
	return f
}

// SetFloat32 stores v under key.
func (db *DB) SetFloat32(key string, v float32) bool {
	return db.eng.Set(key, recordcodec.EncodeFloat32(v))
}

// GetFloat64 returns the float64 stored under key, or def if absent or
// malformed.
func (db *DB) GetFloat64(key string, def float64) float64 {
	v, ok := db.eng.Get(key)
	if !ok {
		return def
	}
	f, err := recordcodec.DecodeFloat64(v)
	if err != nil {
		logLine(db.logger, db.id, "warn", "malformed float64 value, returning default", "key", key, "err", err)
		return def
	}
	return f
}

// SetFloat64 stores v under key.
func (db *DB) SetFloat64(key string, v float64) bool {
	return db.eng.Set(key, recordcodec.EncodeFloat64(v))
}

// --- Whole-store operations (spec.md §4.8.1) ---

// Remove appends a removal record for key if it's present, no-op otherwise.
func (db *DB) Remove(key string) bool { return db.eng.Remove(key) }

// RemoveMany erases keys in memory and performs a single full rewrite,
// instead of one append per key.
func (db *DB) RemoveMany(keys []string) bool { return db.eng.RemoveMany(keys) }

// SetMany stores every pair in values the way SetBytes does, with one Set
// call per pair in map iteration order: each pair is its own append (or,
// when it does not fit the scratch space, its own full rewrite) with its
// own lock acquisition and meta write. It returns false if any pair failed;
// pairs stored before or after a failure stay stored. This is not a
// multi-key transaction.
func (db *DB) SetMany(values map[string][]byte) bool {
	ok := true
	for k, v := range values {
		if !db.eng.Set(k, recordcodec.EncodeBytes(v)) {
			ok = false
		}
	}
	return ok
}

// ContainsKey reports whether key is present, reconciling cross-process
// state first.
func (db *DB) ContainsKey(key string) bool { return db.eng.ContainsKey(key) }

// Count returns the number of live keys.
func (db *DB) Count() int { return db.eng.Count() }

// TotalSize returns the mapped data file's current size in bytes,
// including the 4-byte header and any unused scratch space.
func (db *DB) TotalSize() int { return db.eng.TotalSize() }

// ActualSize returns the live record-stream length in bytes, excluding the
// 4-byte header and scratch space.
func (db *DB) ActualSize() int { return db.eng.ActualSize() }

// AllKeys returns a snapshot of every live key.
func (db *DB) AllKeys() []string { return db.eng.AllKeys() }

// ClearAll truncates the store to one page and starts over with a fresh IV
// (if encrypted), per spec.md §4.8.6.
func (db *DB) ClearAll() bool { return db.eng.ClearAll() }

// Trim shrinks the file if it's grown much larger than its live content
// needs, per spec.md §4.8.1's trim contract.
func (db *DB) Trim() bool { return db.eng.Trim() }

// Sync flushes the data file to disk. sync selects MS_SYNC (blocking) over
// MS_ASYNC.
func (db *DB) Sync(sync bool) bool { return db.eng.Sync(sync) }

// Rekey re-encrypts the store under newKey (or disables encryption if
// newKey is empty), performing a full rewrite under a freshly generated IV.
func (db *DB) Rekey(newKey []byte) bool { return db.eng.Rekey(newKey) }

// ClearMemoryCache drops the in-memory map and marks the instance for
// reload on next use, without releasing the underlying file (spec.md
// §4.8.8's Ready → Fresh transition, distinct from Close).
func (db *DB) ClearMemoryCache() { db.eng.ClearMemoryCache() }

// Close removes the instance from the process-wide registry and releases
// its file handles. A subsequent Open with the same (id, RootDir) creates a
// fresh instance rather than reusing this one.
func (db *DB) Close() error {
	processRegistry.Remove(db.registryKey)
	return db.eng.Close()
}

// Subscribe returns a channel that receives future content-change events
// (reload vs. incremental append) as they happen — the typed feed
// SPEC_FULL.md §4 adds alongside the coarse ContentChangeHandler.
func (db *DB) Subscribe(bufSize int) (id uint64, events <-chan changefeed.Event) {
	return db.feed.Subscribe(bufSize)
}

// Unsubscribe detaches a subscriber returned by Subscribe.
func (db *DB) Unsubscribe(id uint64) { db.feed.Unsubscribe(id) }

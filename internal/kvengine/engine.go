// Package kvengine is the storage-engine core: it owns the mmap'd data
// file, the meta sidecar, the optional crypter, and the in-memory key→value
// mapping, and orchestrates load, append, compaction, and cross-process
// reconciliation exactly as spec.md §4.8 describes. Its role — the single
// component every other package in this module feeds into — mirrors
// internal/engine/engine.go's role as the orchestrator wrapping WAL, store,
// and the auxiliary subsystems in the teacher repo; the difference is that
// vaultkv's engine is single-file-mmap-backed rather than
// WAL-plus-in-memory-store-backed, per spec.md §3's data model.
package kvengine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/vaultkv/vaultkv/internal/changefeed"
	"github.com/vaultkv/vaultkv/internal/crypter"
	"github.com/vaultkv/vaultkv/internal/filelock"
	"github.com/vaultkv/vaultkv/internal/metafile"
	"github.com/vaultkv/vaultkv/internal/mmapfile"
	"github.com/vaultkv/vaultkv/internal/recordcodec"
	"github.com/vaultkv/vaultkv/internal/registry"
)

// headerSize is the legacy 4-byte little-endian actualSize header at the
// start of every data file (spec.md §6).
const headerSize = 4

// placeholderVarint is the 4-byte `0x00ffffff` varint written at the start
// of the record stream after every full rewrite, reserving space for
// in-place move tricks a later compaction might perform (spec.md §4.8.4,
// glossary "Placeholder"). vaultkv writes it for format compatibility but
// never itself performs the in-place memmove optimization it exists for;
// load skips it before decoding records.
var placeholderVarint = []byte{0xff, 0xff, 0xff, 0x07}

// sizeThreshold is the medium-value-size boundary mentioned in spec.md §3;
// vaultkv always stores owned copies regardless of value size (it takes
// option (b) from spec.md §9's value-by-offset open question), so this
// constant exists only as documentation of the threshold the original used,
// not as an active code path.
const sizeThreshold = 256

// ErrorKind distinguishes what kind of load-time integrity failure the
// ErrorHandler is being asked to adjudicate.
type ErrorKind int

const (
	ErrCRCMismatch ErrorKind = iota
	ErrFileLengthError
)

// ErrorAction is the caller's decision about how to proceed after a load
// integrity failure.
type ErrorAction int

const (
	// ActionDiscard abandons the file's existing contents; the instance
	// starts from an empty mapping and the next mutation rewrites the file.
	ActionDiscard ErrorAction = iota
	// ActionRecover clips actualSize to whatever the file actually contains
	// and attempts a best-effort load, followed by an immediate rewrite to
	// normalize the file.
	ActionRecover
)

// Options configures a new Engine.
type Options struct {
	ID           string
	RootDir      string
	MultiProcess bool
	ReadOnly     bool

	// Key, if non-empty, enables AES-128-CFB encryption of the record
	// stream (spec.md §4.2).
	Key []byte

	// ExpectedCapacity sizes the initial mmap region, in bytes, before any
	// record is written. Zero means "one page."
	ExpectedCapacity int

	// ErrorHandler adjudicates CRC/length failures found during load.
	// A nil handler defaults to ActionRecover, matching a conservative
	// "best effort" default.
	ErrorHandler func(id string, kind ErrorKind) ErrorAction

	// LogHandler receives structured diagnostic lines, the same role
	// spec.md §6's LogHandler(level, file, line, func, msg) callback plays.
	LogHandler func(level, msg string, args ...any)

	// Feed receives content-change notifications. A nil Feed disables
	// notification (vaultkv still functions correctly without one).
	Feed *changefeed.Feed
}

// Engine is a live handle to one data+meta file pair.
type Engine struct {
	opts Options

	dataPath string
	metaPath string

	mu sync.Mutex // the "instance recursive thread lock" of spec.md §5

	mf   *mmapfile.File
	lock *filelock.FileLock // nil when MultiProcess is false

	crypt *crypter.Crypter // nil when Options.Key is empty

	meta       metafile.Meta
	cachedMeta metafile.Meta // last meta this instance reconciled against

	data map[string][]byte

	actualSize uint32
	crcDigest  uint32

	needsLoad        bool
	hasFullWriteback bool

	closed bool
}

// Open creates or opens the data+meta pair described by opts and runs the
// load protocol (spec.md §4.8.2).
func Open(opts Options) (*Engine, error) {
	root := opts.RootDir
	if root == "" {
		root = "."
	}

	// An id containing a path-unsafe character (spec.md §6's "Filesystem
	// layout": `\ / : * ? " < > |`) is rewritten to `specialCharacter/md5(id)`
	// before it ever touches the filesystem, the same substitution
	// internal/registry applies to its in-process lookup key.
	safeID := registry.SafeID(opts.ID)
	dataPath := filepath.Join(root, safeID)

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("kvengine: mkdir %s: %w", filepath.Dir(dataPath), err)
	}

	e := &Engine{
		opts:      opts,
		dataPath:  dataPath,
		metaPath:  dataPath + ".crc",
		data:      make(map[string][]byte),
		needsLoad: true,
	}

	minSize := opts.ExpectedCapacity + headerSize
	mf, err := mmapfile.OpenOrCreate(e.dataPath, minSize)
	if err != nil {
		return nil, err
	}
	e.mf = mf

	if opts.MultiProcess {
		e.lock = filelock.New(int(mf.Fd()))
	}

	if err := e.checkLoadData(); err != nil {
		mf.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) logf(level, format string, args ...any) {
	if e.opts.LogHandler == nil {
		return
	}
	e.opts.LogHandler(level, fmt.Sprintf(format, args...))
}

func (e *Engine) errorAction(kind ErrorKind) ErrorAction {
	if e.opts.ErrorHandler == nil {
		return ActionRecover
	}
	return e.opts.ErrorHandler(e.opts.ID, kind)
}

func (e *Engine) emit(kind changefeed.Kind, bytesAdded int) {
	if e.opts.Feed != nil {
		e.opts.Feed.Emit(kind, bytesAdded)
	}
}

// lockProcessExclusive and lockProcessShared acquire the process-wide
// exclusive or shared lock; each is a no-op in single-process mode.
func (e *Engine) lockProcessExclusive() error {
	if e.lock == nil {
		return nil
	}
	return e.lock.LockExclusive()
}

func (e *Engine) unlockProcessExclusive() {
	if e.lock == nil {
		return
	}
	_ = e.lock.UnlockExclusive()
}

func (e *Engine) lockProcessShared() error {
	if e.lock == nil {
		return nil
	}
	return e.lock.LockShared()
}

func (e *Engine) unlockProcessShared() {
	if e.lock == nil {
		return
	}
	_ = e.lock.UnlockShared()
}

// --- 4.8.2 Load protocol ---

func (e *Engine) load() error {
	m, err := metafile.OpenOrCreate(e.metaPath)
	if err != nil {
		return err
	}
	e.meta = m
	e.cachedMeta = m

	if e.opts.Key != nil {
		if e.crypt, err = crypter.New(e.opts.Key, m.IV); err != nil {
			return err
		}
	}

	fileSize := e.mf.Size()
	// meta.actualSize is authoritative regardless of version (spec.md §4.6:
	// "their offsets are frozen"): this engine always maintains it, via the
	// cheap CRC+size write on every append, so there is no vaultkv-written
	// meta for which it's stale. The legacy 4-byte data-file header is kept
	// in sync on every append purely for downgrade compatibility with older
	// readers that only know the header; this engine never reads it back.
	actualSize := m.ActualSize

	loadFromFile, needFullWriteback := e.checkDataValid(actualSize, uint32(fileSize), m)
	// checkDataValid may have moved e.meta to the last-known-good checkpoint
	// or clipped its actualSize; load exactly the region it settled on.
	actualSize = e.meta.ActualSize

	e.data = make(map[string][]byte)
	if loadFromFile {
		region := e.mf.Data()[headerSize : headerSize+actualSize]
		plain := region
		if e.crypt != nil {
			plain = make([]byte, len(region))
			// Decrypting through the live crypter leaves it positioned at
			// actualSize, where the next append continues the stream.
			e.crypt.Decrypt(plain, region)
		}

		// Every nonempty record stream opens with the 4-byte placeholder
		// (spec.md §4.3, §6): skip it before decoding records.
		records := plain
		if len(records) >= len(placeholderVarint) {
			records = records[len(placeholderVarint):]
		}

		var decoded map[string][]byte
		var decodeErr error
		if needFullWriteback {
			decoded, decodeErr = recordcodec.DecodeMapGreedy(records)
		} else {
			decoded, decodeErr = recordcodec.DecodeMapStrict(records)
		}
		if decodeErr != nil {
			// A stream that passed its CRC check but does not decode (e.g. an
			// encrypted file opened without its key) goes to the
			// ErrorHandler as a CRC failure: Recover keeps what the greedy
			// decode salvages and rewrites the file, Discard starts empty.
			if needFullWriteback || e.errorAction(ErrCRCMismatch) == ActionRecover {
				decoded, _ = recordcodec.DecodeMapGreedy(records)
				needFullWriteback = true
			} else {
				decoded = make(map[string][]byte)
			}
		}
		e.data = decoded
	}

	e.actualSize = actualSize
	e.crcDigest = e.meta.CRCDigest
	e.needsLoad = false

	if needFullWriteback {
		if err := e.compact(0); err != nil {
			return err
		}
	}

	return nil
}

// checkDataValid implements spec.md §4.8.2 step 4.
func (e *Engine) checkDataValid(actualSize, fileSize uint32, m metafile.Meta) (loadFromFile, needFullWriteback bool) {
	if actualSize+headerSize <= fileSize {
		region := e.mf.Data()[headerSize : headerSize+actualSize]
		if crc32.ChecksumIEEE(region) == m.CRCDigest {
			return true, false
		}
	}

	if m.LastActualSize+headerSize <= fileSize {
		region := e.mf.Data()[headerSize : headerSize+m.LastActualSize]
		if crc32.ChecksumIEEE(region) == m.LastCRCDigest {
			e.meta.ActualSize = m.LastActualSize
			e.meta.CRCDigest = m.LastCRCDigest
			return true, false
		}
	}

	kind := ErrCRCMismatch
	if actualSize+headerSize > fileSize {
		kind = ErrFileLengthError
	}
	switch e.errorAction(kind) {
	case ActionRecover:
		clipped := fileSize - headerSize
		if clipped > actualSize {
			clipped = actualSize
		}
		e.meta.ActualSize = clipped
		return true, true
	default:
		return false, false
	}
}

// remapToDiskSize re-mmaps the data file if its on-disk size no longer
// matches this handle's mapped size — another process growing the file via
// compaction leaves every other open handle's mapping too small to read the
// new tail, since mmap's extent doesn't follow an external ftruncate.
func (e *Engine) remapToDiskSize() error {
	info, err := os.Stat(e.dataPath)
	if err != nil {
		return fmt.Errorf("kvengine: stat %s: %w", e.dataPath, err)
	}
	if int(info.Size()) == e.mf.Size() {
		return nil
	}
	return e.mf.Truncate(int(info.Size()))
}

// checkLoadData implements spec.md §4.8.5, the cross-process reconciliation
// check every public operation runs before trusting the in-memory map.
func (e *Engine) checkLoadData() error {
	if e.needsLoad {
		return e.load()
	}
	if !e.opts.MultiProcess {
		return nil
	}

	fresh, err := metafile.OpenOrCreate(e.metaPath)
	if err != nil {
		return err
	}

	if fresh.Sequence != e.cachedMeta.Sequence {
		if err := e.remapToDiskSize(); err != nil {
			return err
		}
		e.emit(changefeed.Reload, 0)
		e.needsLoad = true
		return e.load()
	}

	if fresh.CRCDigest == e.cachedMeta.CRCDigest {
		return nil
	}

	// Another process appended records. If the file grew, fall back to a
	// full reload; otherwise attempt the cheaper incremental tail merge.
	info, err := os.Stat(e.dataPath)
	if err != nil {
		return fmt.Errorf("kvengine: stat %s: %w", e.dataPath, err)
	}
	if uint32(info.Size()) != uint32(e.mf.Size()) {
		if err := e.remapToDiskSize(); err != nil {
			return err
		}
		e.needsLoad = true
		return e.load()
	}

	tail := e.mf.Data()[headerSize+e.actualSize : headerSize+fresh.ActualSize]
	chained := crc32.Update(e.crcDigest, crc32.IEEETable, tail)
	if chained != fresh.CRCDigest {
		e.needsLoad = true
		return e.load()
	}

	plainTail := tail
	if e.crypt != nil {
		dec, err := crypter.FromSnapshot(e.opts.Key, e.crypt.Snapshot())
		if err != nil {
			return err
		}
		plainTail = make([]byte, len(tail))
		dec.Decrypt(plainTail, tail)
		e.crypt.Decrypt(make([]byte, len(tail)), tail) // advance live crypter state in lockstep
	}

	// If our cached view never held any records, the tail starts at the
	// placeholder (spec.md §4.3) rather than at a record boundary.
	if e.actualSize == 0 && len(plainTail) >= len(placeholderVarint) {
		plainTail = plainTail[len(placeholderVarint):]
	}

	if err := recordcodec.ForEachRecord(plainTail, func(key string, value []byte) {
		if len(value) == 0 {
			delete(e.data, key)
		} else {
			e.data[key] = append([]byte{}, value...)
		}
	}); err != nil {
		e.needsLoad = true
		return e.load()
	}

	bytesAdded := int(fresh.ActualSize - e.actualSize)
	e.actualSize = fresh.ActualSize
	e.crcDigest = fresh.CRCDigest
	e.cachedMeta = fresh
	e.emit(changefeed.Append, bytesAdded)
	return nil
}

// --- 4.8.3 Append protocol ---

func (e *Engine) setRaw(key string, value []byte) bool {
	if key == "" || e.opts.ReadOnly {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.checkLoadData() != nil {
		return false
	}
	if err := e.lockProcessExclusive(); err != nil {
		return false
	}

	rec := recordcodec.AppendRecord(nil, key, value)

	// A truly virgin file (never held a record) carries the placeholder
	// prefix on its very first append, not only when a full rewrite writes
	// it (spec.md §4.3, §6 "Record"). Once actualSize is nonzero the
	// placeholder, if any, is already on disk.
	toWrite := rec
	firstEverRecord := e.actualSize == 0 && len(e.data) == 0
	if firstEverRecord {
		toWrite = append(append([]byte{}, placeholderVarint...), rec...)
	}

	// An empty in-memory map with existing actualSize (e.g. every key was
	// just removed) has nothing to reuse a direct append against sensibly,
	// so it goes through the same compaction path as an overflowing write.
	spaceLeft := e.mf.Size() - int(headerSize+e.actualSize)
	needsCompaction := len(toWrite) > spaceLeft || (len(e.data) == 0 && e.actualSize > 0)
	if needsCompaction {
		prevValue, hadPrevValue := e.data[key]
		if len(value) == 0 {
			delete(e.data, key)
		} else {
			e.data[key] = value
		}
		err := e.compact(len(rec))
		bytesWritten := int(e.actualSize)
		e.unlockProcessExclusive()
		if err != nil {
			e.logf("error", "compaction failed: %v", err)
			if hadPrevValue {
				e.data[key] = prevValue
			} else {
				delete(e.data, key)
			}
			return false
		}
		e.emit(changefeed.Reload, bytesWritten)
		return true
	}

	region := e.mf.Data()[headerSize+e.actualSize : headerSize+e.actualSize+uint32(len(toWrite))]
	if e.crypt != nil {
		e.crypt.Encrypt(region, toWrite)
	} else {
		copy(region, toWrite)
	}

	e.crcDigest = crc32.Update(e.crcDigest, crc32.IEEETable, region)
	e.actualSize += uint32(len(toWrite))

	// Kept in sync on every append for downgrade compatibility (spec.md §9);
	// this engine trusts meta.actualSize on its own load path, never this.
	binary.LittleEndian.PutUint32(e.mf.Data()[:4], e.actualSize)

	if e.meta.Version == 0 {
		// A store that only ever appends (never compacts) would otherwise
		// leave meta.version at 0 forever; a full write here, without
		// touching sequence or the last-known-good checkpoint, lets the
		// schema tag advance the same way a fresh compaction would set it.
		e.meta.Version = 4
		e.meta.CRCDigest = e.crcDigest
		e.meta.ActualSize = e.actualSize
		if err := metafile.WriteFull(e.metaPath, e.meta); err != nil {
			e.logf("error", "writing meta: %v", err)
			e.unlockProcessExclusive()
			return false
		}
		e.cachedMeta = e.meta
	} else {
		if err := metafile.WriteCRCAndSize(e.metaPath, e.crcDigest, e.actualSize); err != nil {
			e.logf("error", "writing meta: %v", err)
			e.unlockProcessExclusive()
			return false
		}
		e.cachedMeta.CRCDigest = e.crcDigest
		e.cachedMeta.ActualSize = e.actualSize
	}

	if len(value) == 0 {
		delete(e.data, key)
	} else {
		e.data[key] = value
	}
	e.unlockProcessExclusive()
	e.emit(changefeed.Append, len(rec))
	return true
}

// --- 4.8.4 Compaction / full rewrite ---

func (e *Engine) compact(incomingRecordSize int) error {
	serialized := recordcodec.EncodeMap(e.data)
	needed := len(serialized) + headerSize + incomingRecordSize

	mapSize := len(e.data)
	if mapSize == 0 {
		mapSize = 1
	}
	avg := needed / mapSize
	future := avg * maxInt(8, (mapSize+1)/2)

	fileSize := e.mf.Size()
	for needed+future >= fileSize {
		fileSize *= 2
	}
	if fileSize != e.mf.Size() {
		if err := e.mf.Truncate(fileSize); err != nil {
			return err
		}
	}

	var iv [crypter.IVSize]byte
	if e.opts.Key != nil {
		crypter.FillRandomIV(&iv)
		c, err := crypter.New(e.opts.Key, iv)
		if err != nil {
			return err
		}
		e.crypt = c
		e.meta.IV = iv
	}

	buf := append(append([]byte{}, placeholderVarint...), serialized...)
	region := e.mf.Data()[headerSize : headerSize+len(buf)]
	if e.crypt != nil {
		e.crypt.Encrypt(region, buf)
	} else {
		copy(region, buf)
	}

	e.actualSize = uint32(len(buf))
	e.crcDigest = crc32.ChecksumIEEE(region)
	binary.LittleEndian.PutUint32(e.mf.Data()[:4], e.actualSize)

	e.meta.ActualSize = e.actualSize
	e.meta.CRCDigest = e.crcDigest
	e.meta.Sequence++
	e.meta.Version = 4
	e.meta.MarkCheckpoint()

	if err := metafile.WriteFull(e.metaPath, e.meta); err != nil {
		return err
	}
	if err := e.mf.Msync(true); err != nil {
		return err
	}
	e.cachedMeta = e.meta
	e.hasFullWriteback = true
	// The caller emits the Reload event itself once the process exclusive
	// lock is released (spec.md §5: an untrusted callback must never run
	// while the process lock is held).
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- Public operations (spec.md §4.8.1) ---

// Get returns the raw stored value bytes for key and whether it was
// present, reconciling cross-process state first.
func (e *Engine) Get(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return nil, false
	}
	v, ok := e.data[key]
	return v, ok
}

// Set stores value under key, appending a record.
func (e *Engine) Set(key string, value []byte) bool {
	return e.setRaw(key, value)
}

// Remove appends a removal record for key if it's present.
func (e *Engine) Remove(key string) bool {
	e.mu.Lock()
	if e.checkLoadData() != nil {
		e.mu.Unlock()
		return false
	}
	_, present := e.data[key]
	e.mu.Unlock()
	if !present {
		return false
	}
	return e.setRaw(key, nil)
}

// RemoveMany erases keys from the in-memory map and performs one full
// rewrite, per spec.md §4.8.1.
func (e *Engine) RemoveMany(keys []string) bool {
	if e.opts.ReadOnly {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return false
	}
	if err := e.lockProcessExclusive(); err != nil {
		return false
	}

	for _, k := range keys {
		delete(e.data, k)
	}
	err := e.compact(0)
	bytesWritten := int(e.actualSize)
	e.unlockProcessExclusive()
	if err != nil {
		e.logf("error", "remove_many compaction failed: %v", err)
		return false
	}
	e.emit(changefeed.Reload, bytesWritten)
	return true
}

// ContainsKey reconciles then reports whether key is present.
func (e *Engine) ContainsKey(key string) bool {
	_, ok := e.Get(key)
	return ok
}

// Count reconciles then returns the number of live keys.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return 0
	}
	return len(e.data)
}

// TotalSize returns the mapped file's current size in bytes.
func (e *Engine) TotalSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mf.Size()
}

// ActualSize returns the live record-stream length in bytes.
func (e *Engine) ActualSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return 0
	}
	return int(e.actualSize)
}

// AllKeys reconciles then returns a snapshot of every live key.
func (e *Engine) AllKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return nil
	}
	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		keys = append(keys, k)
	}
	return keys
}

// ClearAll implements spec.md §4.8.6.
func (e *Engine) ClearAll() bool {
	if e.opts.ReadOnly {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockProcessExclusive(); err != nil {
		return false
	}

	if err := e.mf.Truncate(mmapfile.PageSize); err != nil {
		e.logf("error", "clear_all truncate failed: %v", err)
		e.unlockProcessExclusive()
		return false
	}
	for i := range e.mf.Data() {
		e.mf.Data()[i] = 0
	}

	var iv [crypter.IVSize]byte
	crypter.FillRandomIV(&iv)
	if e.opts.Key != nil {
		c, err := crypter.New(e.opts.Key, iv)
		if err != nil {
			e.unlockProcessExclusive()
			return false
		}
		e.crypt = c
	}

	e.meta.IV = iv
	e.meta.ActualSize = 0
	e.meta.CRCDigest = 0
	e.meta.Sequence++
	e.meta.MarkCheckpoint()
	if err := metafile.WriteFull(e.metaPath, e.meta); err != nil {
		e.unlockProcessExclusive()
		return false
	}
	if err := e.mf.Msync(true); err != nil {
		e.unlockProcessExclusive()
		return false
	}

	e.data = make(map[string][]byte)
	e.actualSize = 0
	e.crcDigest = 0
	e.cachedMeta = e.meta
	e.unlockProcessExclusive()
	e.emit(changefeed.Reload, 0)
	return true
}

// Trim implements spec.md §4.8.1's trim contract.
func (e *Engine) Trim() bool {
	if e.opts.ReadOnly {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return false
	}

	want := int(e.actualSize) + headerSize
	if e.mf.Size() <= 2*want {
		return true
	}

	size := mmapfile.PageSize
	for size < want {
		size *= 2
	}
	if err := e.lockProcessExclusive(); err != nil {
		return false
	}
	defer e.unlockProcessExclusive()

	if err := e.mf.Truncate(size); err != nil {
		e.logf("error", "trim failed: %v", err)
		return false
	}
	return true
}

// Sync msyncs the data file's mapping; the meta file is not touched here,
// since every meta write is already fsynced when it is made. sync selects a
// blocking msync.
func (e *Engine) Sync(sync bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.mf.Msync(sync); err != nil {
		e.logf("error", "sync failed: %v", err)
		return false
	}
	return true
}

// Rekey installs newKey and performs a full rewrite under it, per spec.md
// §4.8.1.
func (e *Engine) Rekey(newKey []byte) bool {
	if e.opts.ReadOnly {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkLoadData() != nil {
		return false
	}
	if err := e.lockProcessExclusive(); err != nil {
		return false
	}

	e.opts.Key = newKey
	if len(newKey) == 0 {
		e.opts.Key = nil
		e.crypt = nil
	}
	err := e.compact(0)
	bytesWritten := int(e.actualSize)
	e.unlockProcessExclusive()
	if err != nil {
		e.logf("error", "rekey compaction failed: %v", err)
		return false
	}
	e.emit(changefeed.Reload, bytesWritten)
	return true
}

// Close releases the engine's file handles. The caller is responsible for
// removing it from any registry.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.mf.Close()
}

// ClearMemoryCache drops the in-memory map and marks the instance for
// reload on next use, without releasing the underlying file — spec.md
// §4.8.8's Ready → Fresh transition, distinct from Close.
func (e *Engine) ClearMemoryCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = make(map[string][]byte)
	e.needsLoad = true
}

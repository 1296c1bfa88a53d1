// Package metafile implements the fixed-layout CRC sidecar (`<data>.crc`)
// that records a data file's integrity digest, sequence number, IV, and
// last-known-good checkpoint. Its explicit byte-offset field layout and
// CRC32-over-payload check are the same discipline internal/wal/wal.go uses
// for its own 21-byte record header (encodeRecord/readRecord), scaled from a
// single variable-length record to a whole fixed-size struct.
package metafile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/vaultkv/vaultkv/internal/crypter"
)

// Size is the on-disk size of a meta file: a 4 KiB page holding the fixed
// layout below plus unused tail space reserved for future fields, per
// spec.md §3's "size 4 KiB, rounded up to page size."
const Size = 4096

// Field byte offsets within the fixed layout (spec.md §3):
//
//	crcDigest:u32, version:u32, sequence:u32, iv:[u8;16],
//	actualSize:u32, lastActualSize:u32, lastCRCDigest:u32,
//	reserved[16]:u32, flags:u64
const (
	offCRCDigest      = 0
	offVersion        = 4
	offSequence       = 8
	offIV             = 12
	offActualSize     = offIV + crypter.IVSize // 28
	offLastActualSize = offActualSize + 4      // 32
	offLastCRCDigest  = offLastActualSize + 4  // 36
	offReserved       = offLastCRCDigest + 4   // 40
	reservedWords     = 16
	offFlags          = offReserved + reservedWords*4 // 104
	layoutEnd         = offFlags + 8                   // 112
)

// Flag bits carried in Meta.Flags.
const (
	FlagEncrypted uint64 = 1 << iota
	FlagMultiProcess
)

// Meta is the decoded form of the fixed-layout sidecar.
type Meta struct {
	CRCDigest      uint32
	Version        uint32
	Sequence       uint32
	IV             [crypter.IVSize]byte
	ActualSize     uint32
	LastActualSize uint32
	LastCRCDigest  uint32
	Flags          uint64
}

// Decode parses a Meta from the first layoutEnd bytes of buf. buf must be
// at least layoutEnd bytes (typically the full mmap'd Size-byte region).
func Decode(buf []byte) (Meta, error) {
	if len(buf) < layoutEnd {
		return Meta{}, fmt.Errorf("metafile: buffer too small: %d < %d", len(buf), layoutEnd)
	}
	var m Meta
	m.CRCDigest = binary.LittleEndian.Uint32(buf[offCRCDigest:])
	m.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	m.Sequence = binary.LittleEndian.Uint32(buf[offSequence:])
	copy(m.IV[:], buf[offIV:offIV+crypter.IVSize])
	m.ActualSize = binary.LittleEndian.Uint32(buf[offActualSize:])
	m.LastActualSize = binary.LittleEndian.Uint32(buf[offLastActualSize:])
	m.LastCRCDigest = binary.LittleEndian.Uint32(buf[offLastCRCDigest:])
	m.Flags = binary.LittleEndian.Uint64(buf[offFlags:])
	return m, nil
}

// EncodeFull writes every field of m into buf (a Full write, per spec.md
// §4.6: used when version, iv, flags, or sequence change).
func EncodeFull(buf []byte, m Meta) error {
	if len(buf) < layoutEnd {
		return fmt.Errorf("metafile: buffer too small: %d < %d", len(buf), layoutEnd)
	}
	binary.LittleEndian.PutUint32(buf[offCRCDigest:], m.CRCDigest)
	binary.LittleEndian.PutUint32(buf[offVersion:], m.Version)
	binary.LittleEndian.PutUint32(buf[offSequence:], m.Sequence)
	copy(buf[offIV:offIV+crypter.IVSize], m.IV[:])
	binary.LittleEndian.PutUint32(buf[offActualSize:], m.ActualSize)
	binary.LittleEndian.PutUint32(buf[offLastActualSize:], m.LastActualSize)
	binary.LittleEndian.PutUint32(buf[offLastCRCDigest:], m.LastCRCDigest)
	binary.LittleEndian.PutUint64(buf[offFlags:], m.Flags)
	return nil
}

// EncodeCRCAndSize overwrites only crcDigest and actualSize (spec.md §4.6's
// cheap write, issued on every append instead of a full rewrite of the
// sidecar).
func EncodeCRCAndSize(buf []byte, crcDigest, actualSize uint32) error {
	if len(buf) < offActualSize+4 {
		return fmt.Errorf("metafile: buffer too small: %d < %d", len(buf), offActualSize+4)
	}
	binary.LittleEndian.PutUint32(buf[offCRCDigest:], crcDigest)
	binary.LittleEndian.PutUint32(buf[offActualSize:], actualSize)
	return nil
}

// MarkCheckpoint copies actualSize/crcDigest into the last-known-good
// checkpoint fields, called after a successful full rewrite has been
// fsynced (spec.md §3 invariant: "after a full rewrite completes and is
// fsynced, lastActualSize/lastCRCDigest equal the just-written
// actualSize/crcDigest").
func (m *Meta) MarkCheckpoint() {
	m.LastActualSize = m.ActualSize
	m.LastCRCDigest = m.CRCDigest
}

// OpenOrCreate opens (creating if absent) the meta sidecar at path, sized to
// Size bytes, and returns its decoded contents. A freshly created file
// decodes to the zero Meta.
func OpenOrCreate(path string) (Meta, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return Meta{}, fmt.Errorf("metafile: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Meta{}, fmt.Errorf("metafile: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := f.Truncate(Size); err != nil {
			return Meta{}, fmt.Errorf("metafile: truncate %s: %w", path, err)
		}
		return Meta{}, nil
	}

	buf := make([]byte, layoutEnd)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Meta{}, fmt.Errorf("metafile: read %s: %w", path, err)
	}
	return Decode(buf)
}

// WriteFull writes a full Meta to the sidecar at path and fsyncs it.
func WriteFull(path string, m Meta) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("metafile: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, layoutEnd)
	if err := EncodeFull(buf, m); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("metafile: write %s: %w", path, err)
	}
	return f.Sync()
}

// WriteCRCAndSize performs the cheap write at path and fsyncs it. It issues
// two targeted 4-byte writes, one per field, rather than a contiguous write
// spanning crcDigest..actualSize — a contiguous write would overwrite
// version, sequence, and iv in between with whatever the caller's buffer
// happened to hold there, corrupting them on disk (spec.md §4.6: the cheap
// write touches only the two fields).
func WriteCRCAndSize(path string, crcDigest, actualSize uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("metafile: open %s: %w", path, err)
	}
	defer f.Close()

	var crcBuf, sizeBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crcDigest)
	binary.LittleEndian.PutUint32(sizeBuf[:], actualSize)

	if _, err := f.WriteAt(crcBuf[:], offCRCDigest); err != nil {
		return fmt.Errorf("metafile: write %s: %w", path, err)
	}
	if _, err := f.WriteAt(sizeBuf[:], offActualSize); err != nil {
		return fmt.Errorf("metafile: write %s: %w", path, err)
	}
	return f.Sync()
}

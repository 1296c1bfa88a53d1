// Package crypter implements the streaming, resumable AES-128 CFB cipher
// vaultkv uses to encrypt its record stream in place. Unlike a one-shot
// cipher.Stream, it exposes its internal (iv, keystream-offset) state so the
// storage engine can decrypt a value stored at an arbitrary file offset
// without replaying the stream from the start — the same capability
// internal/wal/wal.go doesn't need (it never encrypts), so this package has
// no direct teacher analogue and is built on crypto/aes + crypto/cipher per
// the justification in DESIGN.md.
package crypter

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"math/rand"
	"time"
)

// IVSize is the AES block size and the size of a CFB initialization vector.
const IVSize = aes.BlockSize

// MaxKeySize is the longest key accepted; AES-128 uses the first 16 bytes
// and truncates anything longer, matching spec.md §4.2's "key length is
// <=16 bytes; excess bytes truncated." Shorter keys are zero-padded to 16
// bytes.
const MaxKeySize = 16

// Snapshot captures a crypter's position in its keystream: n is the number
// of bytes of the current 16-byte keystream block already consumed (0..16).
// At a block boundary (n 0 or 16) IV is the block the next keystream is
// derived from; mid-block it is the CFB register, the n ciphertext bytes
// already produced in this block followed by the keystream bytes not yet
// consumed. A Snapshot is a plain value; it shares no mutable state with
// the Crypter it came from.
type Snapshot struct {
	N  int
	IV [IVSize]byte
}

// Crypter is a streaming AES-128 CFB-128 encoder/decoder. A single instance
// processes one logical stream: encrypt and decrypt must not be
// interleaved on the same instance, and concurrent streams need distinct
// instances (spec.md §4.2, "full-duplex use on the same state is not
// supported").
type Crypter struct {
	block cipher.Block
	iv    [IVSize]byte
	// keystream is the current 16-byte CFB keystream block; n is how many of
	// its bytes have already been consumed.
	keystream [IVSize]byte
	n         int
	// pending accumulates the ciphertext bytes of the in-progress keystream
	// block; it becomes the next iv once a full block has been consumed.
	pending [IVSize]byte
}

// New builds a Crypter from key (truncated or zero-padded to MaxKeySize
// bytes) and an initial 16-byte IV.
func New(key []byte, iv [IVSize]byte) (*Crypter, error) {
	var k [MaxKeySize]byte
	copy(k[:], key)
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("crypter: %w", err)
	}
	c := &Crypter{block: block, iv: iv}
	c.refillKeystream()
	return c, nil
}

// FromSnapshot builds a Crypter positioned exactly at snap, so the caller
// can resume encrypting/decrypting at the byte offset snap corresponds to.
func FromSnapshot(key []byte, snap Snapshot) (*Crypter, error) {
	c, err := New(key, snap.IV)
	if err != nil {
		return nil, err
	}
	c.n = snap.N
	if snap.N > 0 && snap.N < IVSize {
		c.keystream = snap.IV
		c.pending = snap.IV
	}
	return c, nil
}

// CloneWith returns a new Crypter sharing this one's key but positioned at
// snap — the mid-stream resume path spec.md §4.2 calls `clone_with`.
func (c *Crypter) CloneWith(key []byte, snap Snapshot) (*Crypter, error) {
	return FromSnapshot(key, snap)
}

func (c *Crypter) refillKeystream() {
	c.block.Encrypt(c.keystream[:], c.iv[:])
	c.n = 0
}

// advance XORs src into dst keystream-byte-by-byte, feeding ciphertext back
// into the IV as CFB requires. For encryption, dst/src order is the
// plaintext being XORed to become ciphertext, and the ciphertext byte is
// what gets fed back; for decryption it's the reverse. cipherFeedback
// supplies, for each output byte, the ciphertext byte to shift into iv.
func (c *Crypter) advance(dst, src []byte, cipherFeedback func(i int, out byte) byte) {
	for i := range src {
		if c.n == IVSize {
			// Shift the IV by the keystream block consumed and re-encrypt.
			c.refillKeystream()
		}
		out := src[i] ^ c.keystream[c.n]
		fb := cipherFeedback(i, out)
		// CFB-128 feeds the ciphertext byte into the IV at the position just
		// consumed, shifting the rest of the register left. Since IVSize ==
		// block size and we refill a full block at a time, shift-in lands at
		// position c.n of the *next* IV; accumulate into a side buffer and
		// commit it when the block rolls over.
		c.pending[c.n] = fb
		dst[i] = out
		c.n++
		if c.n == IVSize {
			c.iv = c.pending
		}
	}
}

// Encrypt XORs plaintext src into dst (dst and src may overlap fully, as in
// an in-place mmap write) and advances the stream position by len(src).
func (c *Crypter) Encrypt(dst, src []byte) {
	c.advance(dst, src, func(i int, out byte) byte { return out })
}

// Decrypt XORs ciphertext src into dst and advances the stream position by
// len(src).
func (c *Crypter) Decrypt(dst, src []byte) {
	c.advance(dst, src, func(i int, _ byte) byte { return src[i] })
}

// Snapshot returns the crypter's current stream position.
func (c *Crypter) Snapshot() Snapshot {
	if c.n == 0 || c.n == IVSize {
		return Snapshot{N: c.n, IV: c.iv}
	}
	var reg [IVSize]byte
	copy(reg[:c.n], c.pending[:c.n])
	copy(reg[c.n:], c.keystream[c.n:])
	return Snapshot{N: c.n, IV: reg}
}

// StatusBeforeDecrypt computes the Snapshot that would have been in effect
// rollback bytes before the position implied by decrypting ciphertextAhead
// more bytes, without mutating c. plaintextAhead is unused by the
// offset math (CFB's feedback is ciphertext-only) but is accepted to match
// spec.md §4.2's signature, since callers pass it for symmetry with
// encrypt-side bookkeeping.
func (c *Crypter) StatusBeforeDecrypt(ciphertextAhead []byte, plaintextAhead []byte, rollback int) (Snapshot, error) {
	if rollback < 0 || rollback > len(ciphertextAhead) {
		return Snapshot{}, fmt.Errorf("crypter: rollback %d out of range [0, %d]", rollback, len(ciphertextAhead))
	}
	clone := *c
	target := len(ciphertextAhead) - rollback
	scratch := make([]byte, target)
	clone.Decrypt(scratch, ciphertextAhead[:target])
	return clone.Snapshot(), nil
}

// fillRandomSource is the non-cryptographic PRNG used for IV generation,
// matching spec.md §4.2's "fill_random_iv fills an IV from a non-
// cryptographic PRNG seeded from clock" — an inherited weakness from the
// original design, not a recommendation; security-sensitive deployments
// should substitute crypto/rand before opening an encrypted store.
var fillRandomSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// FillRandomIV fills iv using the package's clock-seeded PRNG.
func FillRandomIV(iv *[IVSize]byte) {
	fillRandomSource.Read(iv[:])
}

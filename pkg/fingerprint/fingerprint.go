// Package fingerprint provides the per-allocation integrity tags: a keyed
// 64-bit hash stored in a header before user data and an 8-byte canary
// derived from it, stored after user data.
//
// Header layout (little endian): [hash u64 | generation u32 | size u32].
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	// HeaderSize is the number of bytes reserved before every user pointer.
	HeaderSize = 16
	// CanarySize is the number of bytes reserved after every user region.
	CanarySize = 8
	// KeySize is the length of the derived hashing key.
	KeySize = 32

	canaryNonce = 0xDEADBEEFCAFEBABE
	kdfInfo     = "membrane/fingerprint/v1"
)

var (
	ErrShortHeader = errors.New("fingerprint: header shorter than 16 bytes")
	ErrKeyMaterial = errors.New("fingerprint: key material unavailable")
)

// Fingerprint is the decoded header of one allocation.
type Fingerprint struct {
	Hash       uint64
	Generation uint32
	Size       uint32
}

// Encode writes the header into dst, which must hold HeaderSize bytes.
func (f Fingerprint) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint64(dst[0:8], f.Hash)
	binary.LittleEndian.PutUint32(dst[8:12], f.Generation)
	binary.LittleEndian.PutUint32(dst[12:16], f.Size)
}

// Decode parses a header.
func Decode(src []byte) (Fingerprint, error) {
	if len(src) < HeaderSize {
		return Fingerprint{}, ErrShortHeader
	}
	return Fingerprint{
		Hash:       binary.LittleEndian.Uint64(src[0:8]),
		Generation: binary.LittleEndian.Uint32(src[8:12]),
		Size:       binary.LittleEndian.Uint32(src[12:16]),
	}, nil
}

// Canary derives the trailing sentinel from a header hash: the hash
// XOR-folded with its 32-bit rotation and a fixed nonce.
func Canary(h uint64) [CanarySize]byte {
	v := h ^ (h<<32 | h>>32) ^ canaryNonce
	var out [CanarySize]byte
	binary.LittleEndian.PutUint64(out[:], v)
	return out
}

// VerifyCanary reports whether stored equals the canary derived from h.
// A mismatch is an observation, not an error: the caller decides what to do.
func VerifyCanary(h uint64, stored []byte) bool {
	want := Canary(h)
	return bytes.Equal(want[:], stored)
}

type digest struct {
	h   hash.Hash
	in  [20]byte
	out [blake2b.Size]byte
}

// Hasher computes keyed fingerprints. The key lives in a locked, read-only
// memguard buffer until Close.
type Hasher struct {
	key  *memguard.LockedBuffer
	pool sync.Pool
}

// NewHasher derives the hashing key from seed with HKDF-SHA256. An empty
// seed draws a random key instead.
func NewHasher(seed []byte) (*Hasher, error) {
	var key *memguard.LockedBuffer
	if len(seed) == 0 {
		key = memguard.NewBufferRandom(KeySize)
	} else {
		key = memguard.NewBuffer(KeySize)
		if key.Size() == KeySize {
			key.Melt()
			kdf := hkdf.New(sha256.New, seed, nil, []byte(kdfInfo))
			if _, err := io.ReadFull(kdf, key.Bytes()); err != nil {
				key.Destroy()
				return nil, fmt.Errorf("derive fingerprint key: %w", err)
			}
		}
	}
	if key.Size() != KeySize {
		return nil, ErrKeyMaterial
	}
	key.Freeze()

	// Fail here rather than on the first Compute if the key is unusable.
	if _, err := blake2b.New(8, key.Bytes()); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("init fingerprint hash: %w", err)
	}

	hs := &Hasher{key: key}
	hs.pool.New = func() any {
		h, _ := blake2b.New(8, hs.key.Bytes())
		return &digest{h: h}
	}
	return hs, nil
}

// Compute returns the keyed hash of (base, size, generation). Changing any
// input changes the result with overwhelming probability.
func (hs *Hasher) Compute(base, size uint64, generation uint32) uint64 {
	d := hs.pool.Get().(*digest)
	binary.LittleEndian.PutUint64(d.in[0:8], base)
	binary.LittleEndian.PutUint64(d.in[8:16], size)
	binary.LittleEndian.PutUint32(d.in[16:20], generation)
	d.h.Reset()
	d.h.Write(d.in[:])
	sum := d.h.Sum(d.out[:0])
	v := binary.LittleEndian.Uint64(sum)
	hs.pool.Put(d)
	return v
}

// Make builds the header for an allocation at base.
func (hs *Hasher) Make(base, size uint64, generation uint32) Fingerprint {
	return Fingerprint{
		Hash:       hs.Compute(base, size, generation),
		Generation: generation,
		Size:       uint32(size),
	}
}

// Verify recomputes the hash for base from the header's own size and
// generation and compares it with the stored hash.
func (hs *Hasher) Verify(base uint64, f Fingerprint) bool {
	return hs.Compute(base, uint64(f.Size), f.Generation) == f.Hash
}

// Close wipes the key. The Hasher must not be used afterwards.
func (hs *Hasher) Close() {
	hs.key.Destroy()
}

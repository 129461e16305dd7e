package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashFunction names the base hash used to derive bit positions.
type HashFunction string

const (
	Murmur3 HashFunction = "murmur3"
	XXHash  HashFunction = "xxhash"
)

// DefaultSeeds are the seeds used when none are configured.
var DefaultSeeds = []uint32{0x9747b28c, 0x5bd1e995}

// HashScheme maps keys to k positions in [0, m). It is a pure function of
// (m, k, seeds, function, key) and does not depend on the process, platform
// or run.
type HashScheme struct {
	m     uint64
	k     uint64
	seeds [2]uint32
	fn    HashFunction
	sum   func(seed uint32, key string) uint64
}

// NewHashScheme validates the parameters and returns a scheme. Exactly two
// seeds are required: one per base hash of the double hashing.
func NewHashScheme(m, k uint64, seeds []uint32, fn HashFunction) (*HashScheme, error) {
	if m == 0 {
		return nil, &ConfigError{Param: "m", Reason: "bit vector size must be positive"}
	}
	if k == 0 {
		return nil, &ConfigError{Param: "k", Reason: "hash count must be positive"}
	}
	if len(seeds) != 2 {
		return nil, &ConfigError{Param: "seeds", Reason: fmt.Sprintf("expected 2 seeds, got %d", len(seeds))}
	}

	h := &HashScheme{m: m, k: k, fn: fn}
	copy(h.seeds[:], seeds)

	switch fn {
	case Murmur3:
		h.sum = murmur3Sum
	case XXHash:
		h.sum = xxhashSum
	default:
		return nil, &ConfigError{Param: "hash function", Reason: fmt.Sprintf("unknown hash function %q", fn)}
	}
	return h, nil
}

func (h *HashScheme) M() uint64 { return h.m }
func (h *HashScheme) K() uint64 { return h.k }
func (h *HashScheme) Function() HashFunction { return h.fn }
func (h *HashScheme) Seeds() []uint32 { return []uint32{h.seeds[0], h.seeds[1]} }
func (h *HashScheme) String() string {
	return fmt.Sprintf("HashScheme{m:%d k:%d seeds:%v fn:%s}", h.m, h.k, h.seeds, h.fn)
}

// Positions returns the k bit positions of key. Positions may repeat.
func (h *HashScheme) Positions(key string) []uint64 {
	out := make([]uint64, 0, h.k)
	h.each(key, func(pos uint64) bool {
		out = append(out, pos)
		return true
	})
	return out
}

// each calls fn with every position of key, stopping early when fn returns
// false. It reports whether all positions were visited.
func (h *HashScheme) each(key string, fn func(pos uint64) bool) bool {
	h1 := h.sum(h.seeds[0], key)
	h2 := h.sum(h.seeds[1], key)
	if h2 == 0 {
		h2 = 1
	}
	for i := uint64(0); i < h.k; i++ {
		if !fn((h1 + i*h2) % h.m) {
			return false
		}
	}
	return true
}

// Fingerprint identifies the scheme parameters. Replicas built from the same
// parameters always agree on it.
func (h *HashScheme) Fingerprint() uint64 {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], h.m)
	binary.BigEndian.PutUint64(buf[8:16], h.k)
	binary.BigEndian.PutUint32(buf[16:20], h.seeds[0])
	binary.BigEndian.PutUint32(buf[20:24], h.seeds[1])

	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.Write([]byte(h.fn))
	return d.Sum64()
}

func murmur3Sum(seed uint32, key string) uint64 {
	return murmur3.Sum64WithSeed([]byte(key), seed)
}

func xxhashSum(seed uint32, key string) uint64 {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], seed)

	d := xxhash.New()
	_, _ = d.Write(prefix[:])
	_, _ = d.Write([]byte(key))
	return d.Sum64()
}

package bloom

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

const wordBits = 64

// BitVector is a fixed size array of bits that is safe for concurrent use.
// Bits can be set but never cleared.
type BitVector struct {
	words []uint64
	m     uint64
}

// NewBitVector returns a vector of m zero bits.
func NewBitVector(m uint64) (*BitVector, error) {
	if m == 0 {
		return nil, &ConfigError{Param: "m", Reason: "bit vector size must be positive"}
	}
	return &BitVector{
		words: make([]uint64, (m+wordBits-1)/wordBits),
		m:     m,
	}, nil
}

// Len returns the number of bits in the vector.
func (bv *BitVector) Len() uint64 { return bv.m }

// Set marks bit i and reports whether it was previously unset. The word
// holding i is updated with a compare-and-swap loop, so concurrent Set calls
// never lose each other's bits.
func (bv *BitVector) Set(i uint64) bool {
	bv.mustContain(i)

	w := &bv.words[i/wordBits]
	mask := uint64(1) << (i % wordBits)
	for {
		old := atomic.LoadUint64(w)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(w, old, old|mask) {
			return true
		}
	}
}

// Get reports whether bit i is set.
func (bv *BitVector) Get(i uint64) bool {
	bv.mustContain(i)
	return atomic.LoadUint64(&bv.words[i/wordBits])&(uint64(1)<<(i%wordBits)) != 0
}

// Snapshot returns a point-in-time copy of the vector. Concurrent Set calls
// may or may not be reflected, word by word.
func (bv *BitVector) Snapshot() *bitset.BitSet {
	words := make([]uint64, len(bv.words))
	for i := range bv.words {
		words[i] = atomic.LoadUint64(&bv.words[i])
	}
	return bitset.From(words)
}

// Count returns the number of set bits.
func (bv *BitVector) Count() uint64 {
	return uint64(bv.Snapshot().Count())
}

// Equal reports whether both vectors have the same length and bits.
func (bv *BitVector) Equal(other *BitVector) bool {
	if bv.m != other.m {
		return false
	}
	return bv.Snapshot().Equal(other.Snapshot())
}

func (bv *BitVector) mustContain(i uint64) {
	if i >= bv.m {
		panic(&IndexError{Index: i, Len: bv.m})
	}
}

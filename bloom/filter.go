package bloom

import (
	"math"

	"github.com/bits-and-blooms/bitset"
)

const (
	// DefaultM and DefaultK give a false positive rate of about 1e-4 for
	// 10000 keys.
	DefaultM = 192000
	DefaultK = 13
)

// Filter is a local probabilistic set. Set and Check are safe for
// concurrent use and never block.
type Filter struct {
	bits   *BitVector
	scheme *HashScheme
}

// New returns an empty filter built from the given parameters.
func New(m, k uint64, seeds []uint32, fn HashFunction) (*Filter, error) {
	scheme, err := NewHashScheme(m, k, seeds, fn)
	if err != nil {
		return nil, err
	}
	return NewFilter(scheme), nil
}

// NewFilter returns an empty filter using scheme.
func NewFilter(scheme *HashScheme) *Filter {
	bits, err := NewBitVector(scheme.M())
	if err != nil {
		// the scheme already rejected m == 0
		panic(err)
	}
	return &Filter{bits: bits, scheme: scheme}
}

// Set adds key to the filter. Setting a key more than once has no further
// effect.
func (f *Filter) Set(key string) {
	f.scheme.each(key, func(pos uint64) bool {
		f.bits.Set(pos)
		return true
	})
}

// Check reports whether key may have been set. A false result is definite; a
// true result may be a false positive.
func (f *Filter) Check(key string) bool {
	return f.scheme.each(key, f.bits.Get)
}

// Scheme returns the hash scheme of the filter.
func (f *Filter) Scheme() *HashScheme { return f.scheme }

// Snapshot returns a copy of the filter bits.
func (f *Filter) Snapshot() *bitset.BitSet { return f.bits.Snapshot() }

// Equal reports whether both filters hold the same bits.
func (f *Filter) Equal(other *Filter) bool { return f.bits.Equal(other.bits) }

// FillRatio returns the fraction of bits that are set.
func (f *Filter) FillRatio() float64 {
	return float64(f.bits.Count()) / float64(f.bits.Len())
}

// EstimatedFalsePositiveRate returns the probability that Check returns true
// for a key that was never set, given the current fill ratio.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	return math.Pow(f.FillRatio(), float64(f.scheme.K()))
}

// EstimateCount estimates the number of distinct keys set so far from the
// number of set bits. It returns +Inf once every bit is set.
func (f *Filter) EstimateCount() float64 {
	m, k := float64(f.bits.Len()), float64(f.scheme.K())
	x := float64(f.bits.Count())
	return -m / k * math.Log(1-x/m)
}

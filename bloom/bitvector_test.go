package bloom

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitVectorSetGet(t *testing.T) {
	bv, err := NewBitVector(130)
	require.NoError(t, err)
	require.EqualValues(t, 130, bv.Len())

	for _, i := range []uint64{0, 63, 64, 129} {
		require.False(t, bv.Get(i))
		require.True(t, bv.Set(i), "first set of %d", i)
		require.False(t, bv.Set(i), "second set of %d", i)
		require.True(t, bv.Get(i))
	}
	require.False(t, bv.Get(1))
	require.EqualValues(t, 4, bv.Count())
}

func TestBitVectorZeroLength(t *testing.T) {
	_, err := NewBitVector(0)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "m", cerr.Param)
}

func TestBitVectorOutOfRange(t *testing.T) {
	bv, err := NewBitVector(64)
	require.NoError(t, err)

	require.PanicsWithError(t, "bit index 64 out of range [0, 64)", func() { bv.Set(64) })
	require.PanicsWithError(t, "bit index 1000 out of range [0, 64)", func() { bv.Get(1000) })
}

// Every goroutine sets a disjoint stride of bits that share words with the
// other goroutines; a lost update would leave a bit unset.
func TestBitVectorConcurrentSet(t *testing.T) {
	const (
		m       = 4096
		workers = 8
	)
	bv, err := NewBitVector(m)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			for i := offset; i < m; i += workers {
				bv.Set(i)
			}
		}(uint64(w))
	}
	wg.Wait()

	require.EqualValues(t, m, bv.Count())
}

func TestBitVectorSnapshotAndEqual(t *testing.T) {
	a, err := NewBitVector(256)
	require.NoError(t, err)
	b, err := NewBitVector(256)
	require.NoError(t, err)

	a.Set(7)
	require.False(t, a.Equal(b))

	snap := a.Snapshot()
	b.Set(7)
	require.True(t, a.Equal(b))

	a.Set(200)
	require.False(t, snap.Test(200), "snapshot must not observe later sets")

	c, err := NewBitVector(512)
	require.NoError(t, err)
	require.False(t, a.Equal(c))
}

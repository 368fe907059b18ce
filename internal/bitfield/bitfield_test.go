package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSetAcrossPageBoundary(t *testing.T) {
	b := New()
	require.False(t, b.Get(0))

	changed := b.Set(0, true)
	require.True(t, changed)
	require.True(t, b.Get(0))

	// Unchanged set should report false.
	require.False(t, b.Set(0, true))

	far := uint64(pageBits*3 + 7)
	require.True(t, b.Set(far, true))
	require.True(t, b.Get(far))
	require.False(t, b.Get(far-1))
}

func TestDirtyQueueFIFOAndDedup(t *testing.T) {
	b := New()
	b.Set(0, true)
	b.Set(uint64(pageBits+1), true)
	b.Set(5, true) // same page as bit 0, already dirty

	require.Equal(t, []uint32{0, 1}, b.Updates())

	idx, data, ok := b.LastUpdate()
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
	require.Len(t, data, pageBytes)

	idx2, _, ok2 := b.LastUpdate()
	require.True(t, ok2)
	require.Equal(t, uint32(1), idx2)

	_, _, ok3 := b.LastUpdate()
	require.False(t, ok3)
}

func TestNextMissingSkipsSetBits(t *testing.T) {
	b := New()
	for i := uint64(0); i < 10; i++ {
		b.Set(i, true)
	}
	require.Equal(t, uint64(10), b.NextMissing(0))
	require.Equal(t, uint64(10), b.NextMissing(10))

	b.Set(10, true)
	b.Set(12, true)
	require.Equal(t, uint64(11), b.NextMissing(10))
}

func TestNextPresentAcrossPages(t *testing.T) {
	b := New()
	_, ok := b.NextPresent(0)
	require.False(t, ok)

	b.Set(uint64(pageBits*2+3), true)
	got, ok := b.NextPresent(0)
	require.True(t, ok)
	require.Equal(t, uint64(pageBits*2+3), got)
}

func TestLoadPageRoundTrip(t *testing.T) {
	b := New()
	b.Set(0, true)
	b.Set(5, true)
	_, data, _ := b.LastUpdate()

	b2 := New()
	b2.LoadPage(0, data)
	require.True(t, b2.Get(0))
	require.True(t, b2.Get(5))
	require.False(t, b2.Get(1))
}

func TestTrailingUnsetFrom(t *testing.T) {
	b := New()
	b.Set(0, true)
	b.Set(1, true)
	b.Set(2, true)
	// bit 3 and beyond unset
	require.Equal(t, uint64(3), b.TrailingUnsetFrom(10))
}

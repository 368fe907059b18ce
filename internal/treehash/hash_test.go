package treehash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeafIsDeterministicAndDomainSeparated(t *testing.T) {
	a := Leaf([]byte("hello"))
	b := Leaf([]byte("hello"))
	require.Equal(t, a, b)

	c := Leaf([]byte("world"))
	require.NotEqual(t, a, c)
}

func TestParentOrderMatters(t *testing.T) {
	l := Leaf([]byte("left"))
	r := Leaf([]byte("right"))

	p1 := Parent(l, r, 4, 5)
	p2 := Parent(r, l, 5, 4)
	require.NotEqual(t, p1, p2, "parent hash must depend on left/right order")
}

func TestRootsOverEmptySetIsStable(t *testing.T) {
	r1 := Roots(nil)
	r2 := Roots(nil)
	require.Equal(t, r1, r2)

	r3 := Roots([][32]byte{Leaf([]byte("x"))})
	require.NotEqual(t, r1, r3)
}

func TestDiscoveryKeyDoesNotLeakPublicKey(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
	}
	dk, err := DiscoveryKey(pub)
	require.NoError(t, err)
	require.NotEqual(t, pub, dk[:32])

	dk2, err := DiscoveryKey(pub)
	require.NoError(t, err)
	require.Equal(t, dk, dk2, "discovery key must be deterministic")

	other := make([]byte, 32)
	copy(other, pub)
	other[0] ^= 0xff
	dkOther, err := DiscoveryKey(other)
	require.NoError(t, err)
	require.NotEqual(t, dk, dkOther)
}

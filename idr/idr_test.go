package idr

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

func TestAllocFindRemove(t *testing.T) {
	i := Mkidr(16)

	a := i.Alloc("a")
	b := i.Alloc("b")
	require.NotEqual(t, a, b)
	require.Greater(t, a, int32(0))

	v, ok := i.Find(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = i.Find(a + 1000)
	assert.False(t, ok)

	i.Remove(a)
	_, ok = i.Find(a)
	assert.False(t, ok)

	v, ok = i.Find(b)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestIdReuse(t *testing.T) {
	i := Mkidr(4)

	ids := make(map[int32]bool)
	for n := 0; n < 100; n++ {
		id := i.Alloc(n)
		require.False(t, ids[id])
		ids[id] = true
	}
	for id := range ids {
		i.Remove(id)
	}
	assert.NotPanics(t, func() { i.Alloc("again") })
}

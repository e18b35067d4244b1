package bitmap

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "github.com/nobodyknowsthat/storpu/defs"

func TestFindNextBit(t *testing.T) {
	b := make([]Bitchunk_t, Bitchunks(200))

	assert.Equal(t, 200, Find_first_bit(b, 200))

	Set(b, 3)
	Set(b, 64)
	Set(b, 199)

	assert.Equal(t, 3, Find_first_bit(b, 200))
	assert.Equal(t, 64, Find_next_bit(b, 200, 4))
	assert.Equal(t, 64, Find_next_bit(b, 200, 64))
	assert.Equal(t, 199, Find_next_bit(b, 200, 65))
	assert.Equal(t, 200, Find_next_bit(b, 200, 200))

	Unset(b, 64)
	assert.Equal(t, 199, Find_next_bit(b, 200, 4))
}

func TestFindNextZeroBit(t *testing.T) {
	b := make([]Bitchunk_t, Bitchunks(130))
	for i := 0; i < 130; i++ {
		Set(b, i)
	}
	assert.Equal(t, 130, Find_next_zero_bit(b, 130, 0))

	Unset(b, 77)
	assert.Equal(t, 77, Find_next_zero_bit(b, 130, 0))
	assert.Equal(t, 130, Find_next_zero_bit(b, 130, 78))
}

func TestFindNextAndBit(t *testing.T) {
	b1 := make([]Bitchunk_t, Bitchunks(128))
	b2 := make([]Bitchunk_t, Bitchunks(128))

	Set(b1, 10)
	Set(b1, 70)
	Set(b2, 70)
	Set(b2, 11)

	assert.Equal(t, 70, Find_next_and_bit(b1, b2, 128, 0))
	assert.Equal(t, 128, Find_next_and_bit(b1, b2, 128, 71))
}

func TestCpumask(t *testing.T) {
	var m Cpumask_t
	require.Equal(t, defs.MAXCPUS, m.First())

	m.Setcpu(2)
	m.Setcpu(5)
	assert.True(t, m.Testcpu(2))
	assert.False(t, m.Testcpu(3))
	assert.Equal(t, 2, m.First())

	var n Cpumask_t
	n.Copyfrom(&m)
	assert.True(t, n.Equal(&m))

	n.Unsetcpu(2)
	assert.False(t, n.Equal(&m))
	assert.Equal(t, 5, n.Any())

	var and Cpumask_t
	assert.True(t, and.And(&m, &n))
	assert.True(t, and.Testcpu(5))
	assert.False(t, and.Testcpu(2))

	var empty Cpumask_t
	var out Cpumask_t
	assert.False(t, out.And(&m, &empty))

	one := Cpumask_of(7)
	assert.True(t, one.Testcpu(7))
	assert.Equal(t, 7, one.First())
}

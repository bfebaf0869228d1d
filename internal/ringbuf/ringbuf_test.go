package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { New(make([]byte, 3)) })
	assert.Panics(t, func() { New(make([]byte, 0)) })
	assert.NotPanics(t, func() { New(make([]byte, 8)) })
}

func TestSizeMaskSizeExponent(t *testing.T) {
	v := New(make([]int, 16))
	assert.Equal(t, uint64(16), v.Size())
	assert.Equal(t, uint64(15), v.Mask())
	assert.Equal(t, uint(4), v.SizeExponent())
}

func TestGetSetWrapAround(t *testing.T) {
	v := New(make([]int, 4))
	v.Set(0, 100)
	v.Set(4, 200) // wraps to the same physical slot as 0
	assert.Equal(t, 200, v.Get(0))
	assert.Equal(t, 200, v.Get(4))
}

func TestPhysicalIndex(t *testing.T) {
	v := New(make([]int, 8))
	assert.Equal(t, uint64(0), v.PhysicalIndex(8))
	assert.Equal(t, uint64(3), v.PhysicalIndex(11))
}

func TestContiguous(t *testing.T) {
	v := New(make([]int, 8))
	assert.True(t, v.Contiguous(2, 2), "empty range is trivially contiguous")
	assert.True(t, v.Contiguous(2, 6))
	assert.False(t, v.Contiguous(6, 10), "wraps past the end of the ring")
}

func TestSlicesContiguous(t *testing.T) {
	v := New(make([]byte, 8))
	for i := byte(0); i < 8; i++ {
		v.Set(uint64(i), i)
	}
	parts := v.Slices(2, 6)
	require.Len(t, parts, 1)
	assert.Equal(t, []byte{2, 3, 4, 5}, parts[0])
}

func TestSlicesWrapped(t *testing.T) {
	v := New(make([]byte, 8))
	for i := byte(0); i < 8; i++ {
		v.Set(uint64(i), i)
	}
	parts := v.Slices(6, 10)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte{6, 7}, parts[0])
	assert.Equal(t, []byte{0, 1}, parts[1])
}

func TestSlicesEmptyRange(t *testing.T) {
	v := New(make([]byte, 8))
	assert.Nil(t, v.Slices(3, 3))
}

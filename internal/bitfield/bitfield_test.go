package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	assert.False(t, bf.Test(3))
	bf.Set(3)
	assert.True(t, bf.Test(3))
	bf.Clear(3)
	assert.False(t, bf.Test(3))
}

func TestAllAndCount(t *testing.T) {
	bf := New(4)
	assert.False(t, bf.All())
	for i := uint32(0); i < 4; i++ {
		bf.Set(i)
	}
	assert.True(t, bf.All())
	assert.EqualValues(t, 4, bf.Count())
}

func TestBytesRoundTrip(t *testing.T) {
	bf := New(20)
	bf.Set(0)
	bf.Set(5)
	bf.Set(19)
	b := bf.Bytes()
	bf2, err := NewBytes(b, 20)
	require.NoError(t, err)
	assert.True(t, bf2.Test(0))
	assert.True(t, bf2.Test(5))
	assert.True(t, bf2.Test(19))
	assert.False(t, bf2.Test(1))
}

func TestNewBytesRejectsBadPadding(t *testing.T) {
	// length=9 needs 2 bytes; last byte has 7 pad bits which must be zero.
	b := []byte{0xFF, 0xFF}
	_, err := NewBytes(b, 9)
	assert.Error(t, err)
}

func TestNewBytesRejectsWrongLength(t *testing.T) {
	_, err := NewBytes([]byte{0x00}, 9)
	assert.Error(t, err)
}

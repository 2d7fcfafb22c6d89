// Package bitfield implements a bit-per-piece vector, one bit per piece of
// a torrent, 1 meaning the piece is verified on disk.
package bitfield

import (
	"errors"

	"github.com/willf/bitset"
)

// Bitfield is a fixed-length vector of bits.
type Bitfield struct {
	set    *bitset.BitSet
	length uint32
}

// New returns an empty Bitfield of length bits, all zero.
func New(length uint32) *Bitfield {
	return &Bitfield{
		set:    bitset.New(uint(length)),
		length: length,
	}
}

// NewBytes parses the wire BITFIELD payload b (one bit per piece, MSB
// first within each byte, padded with zero bits) into a Bitfield of the
// given length. Returns an error if trailing pad bits are not all zero or
// the byte count doesn't match ceil(length/8).
func NewBytes(b []byte, length uint32) (*Bitfield, error) {
	want := int((length + 7) / 8)
	if len(b) != want {
		return nil, errors.New("bitfield: invalid length")
	}
	bf := New(length)
	for i := uint32(0); i < length; i++ {
		byteIndex := i / 8
		bitIndex := 7 - (i % 8)
		if b[byteIndex]&(1<<bitIndex) != 0 {
			bf.Set(i)
		}
	}
	// Verify padding bits in the last byte are zero.
	if length%8 != 0 {
		last := b[len(b)-1]
		mask := byte(0xFF >> (length % 8))
		if last&mask != 0 {
			return nil, errors.New("bitfield: non-zero padding bits")
		}
	}
	return bf, nil
}

// Len returns the number of pieces this bitfield represents.
func (bf *Bitfield) Len() uint32 { return bf.length }

// Set marks piece i as present.
func (bf *Bitfield) Set(i uint32) { bf.set.Set(uint(i)) }

// Clear marks piece i as missing.
func (bf *Bitfield) Clear(i uint32) { bf.set.Clear(uint(i)) }

// Test reports whether piece i is present.
func (bf *Bitfield) Test(i uint32) bool {
	if i >= bf.length {
		return false
	}
	return bf.set.Test(uint(i))
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() uint32 { return uint32(bf.set.Count()) }

// All reports whether every piece is present.
func (bf *Bitfield) All() bool { return bf.Count() == bf.length }

// Bytes serializes the bitfield into wire BITFIELD payload form.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.length+7)/8)
	for i := uint32(0); i < bf.length; i++ {
		if bf.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

// Copy returns an independent copy of bf.
func (bf *Bitfield) Copy() *Bitfield {
	out := New(bf.length)
	for i := uint32(0); i < bf.length; i++ {
		if bf.Test(i) {
			out.Set(i)
		}
	}
	return out
}

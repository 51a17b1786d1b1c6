package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Bits is a dense bit set keyed by small non-negative ints
	// (virtual register and block indices).
	Bits struct {
		b  []uint64
		b0 [2]uint64
	}
)

func MakeBits(size int) Bits {
	var s Bits

	s.b = s.b0[:]

	if n := (size + 63) / 64; n > len(s.b) {
		s.b = make([]uint64, n)
	}

	return s
}

func (s Bits) Copy() Bits {
	c := MakeBits(0)

	c.grow(len(s.b) - 1)
	copy(c.b, s.b)

	return c
}

func (s *Bits) Set(k int) {
	i, j := ij(k)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s *Bits) SetAll(ks ...int) {
	for _, k := range ks {
		s.Set(k)
	}
}

func (s Bits) Clear(k int) {
	i, j := ij(k)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s Bits) IsSet(k int) bool {
	i, j := ij(k)

	if i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

func (s *Bits) Or(x Bits) {
	s.grow(len(x.b) - 1)

	for i, v := range x.b {
		s.b[i] |= v
	}
}

func (s Bits) AndNot(x Bits) {
	n := len(s.b)
	if m := len(x.b); m < n {
		n = m
	}

	for i, v := range x.b[:n] {
		s.b[i] &^= v
	}
}

func (s *Bits) Reset() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (s Bits) Size() (r int) {
	for _, c := range s.b {
		r += bits.OnesCount64(c)
	}

	return r
}

// Range calls f for each set key in increasing order until f returns false.
func (s Bits) Range(f func(k int) bool) {
	for i, v := range s.b {
		if v == 0 {
			continue
		}

		for j := bits.TrailingZeros64(v); j < 64; j++ {
			if v&(1<<j) == 0 {
				continue
			}

			if !f(i*64 + j) {
				return
			}
		}
	}
}

func (s Bits) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, s.Size())

	s.Range(func(k int) bool {
		b = e.AppendInt(b, k)
		return true
	})

	return b
}

func (s *Bits) grow(i int) {
	for i >= len(s.b) {
		s.b = append(s.b, 0)
	}
}

func ij(k int) (int, int) {
	return k >> 6, k & 63
}

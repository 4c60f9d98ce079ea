package set

import (
	"math/bits"
)

type (
	Bitmap struct {
		b  []uint64
		b0 [1]uint64
	}
)

func NewBitmap(len int) *Bitmap {
	s := MakeBitmap(len)
	return &s
}

func MakeBitmap(Len int) Bitmap {
	s := Bitmap{}
	s.b = s.b0[:]

	Len = (Len + 63) / 64

	if Len > len(s.b) {
		s.b = make([]uint64, Len)
	}

	return s
}

func (s *Bitmap) Set(i int) {
	i, j := s.ij(i)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s *Bitmap) Clear(i int) {
	i, j := s.ij(i)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s *Bitmap) IsSet(i int) bool {
	i, j := s.ij(i)

	if i >= len(s.b) {
		return false
	}

	return (s.b[i] & (1 << j)) != 0
}

func (s *Bitmap) Or(x Bitmap) {
	s.grow(len(x.b))

	for i, x := range x.b {
		s.b[i] |= x
	}
}

func (s *Bitmap) Copy() Bitmap {
	r := MakeBitmap(s.Len())
	r.Or(*s)
	return r
}

func (s *Bitmap) Reset() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (s *Bitmap) Count() int {
	c := 0

	for _, x := range s.b {
		c += bits.OnesCount64(x)
	}

	return c
}

func (s *Bitmap) Len() int {
	return len(s.b) * 64
}

func (s *Bitmap) grow(i int) {
	for i >= len(s.b) {
		s.b = append(s.b, 0)
	}
}

func (s *Bitmap) ij(i int) (int, int) {
	return i / 64, i % 64
}

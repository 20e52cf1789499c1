// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package sets

import (
	"iter"
	"math/bits"
)

// Bit is a set of small, non-negative integers,
// stored as a packed bit vector.
// The zero value is an empty set.
type Bit struct {
	words []uint64
}

const bitsPerWord = 64

// Add inserts x into the set.
func (b *Bit) Add(x uint) {
	word := x / bitsPerWord
	for uint(len(b.words)) <= word {
		b.words = append(b.words, 0)
	}
	b.words[word] |= 1 << (x % bitsPerWord)
}

// Delete removes x from the set.
func (b *Bit) Delete(x uint) {
	word := x / bitsPerWord
	if word >= uint(len(b.words)) {
		return
	}
	b.words[word] &^= 1 << (x % bitsPerWord)
}

// Has reports whether x is in the set.
func (b *Bit) Has(x uint) bool {
	word := x / bitsPerWord
	if word >= uint(len(b.words)) {
		return false
	}
	return b.words[word]&(1<<(x%bitsPerWord)) != 0
}

// Len reports the number of elements in the set.
func (b *Bit) Len() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Max returns the largest element in the set.
// ok is false if and only if the set is empty.
func (b *Bit) Max() (_ uint, ok bool) {
	for i := len(b.words) - 1; i >= 0; i-- {
		if b.words[i] == 0 {
			continue
		}
		return uint(i)*bitsPerWord + uint(63-bits.LeadingZeros64(b.words[i])), true
	}
	return 0, false
}

// All iterates over the set's elements in ascending order.
func (b *Bit) All() iter.Seq[uint] {
	return func(yield func(uint) bool) {
		for i, w := range b.words {
			for w != 0 {
				bit := bits.TrailingZeros64(w)
				if !yield(uint(i)*bitsPerWord + uint(bit)) {
					return
				}
				w &^= 1 << bit
			}
		}
	}
}

// Reversed iterates over the set's elements in descending order.
func (b *Bit) Reversed() iter.Seq[uint] {
	return func(yield func(uint) bool) {
		for i := len(b.words) - 1; i >= 0; i-- {
			w := b.words[i]
			for w != 0 {
				bit := 63 - bits.LeadingZeros64(w)
				if !yield(uint(i)*bitsPerWord + uint(bit)) {
					return
				}
				w &^= 1 << bit
			}
		}
	}
}

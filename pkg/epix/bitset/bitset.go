// Package bitset implements a growable bit vector. It is the substrate for access conflict checks,
// archetype component sets, and query archetype matching.
package bitset

import (
	"iter"
	"math/bits"
	"strconv"
	"strings"

	"github.com/kelindar/bitmap"
	"pkg.world.dev/epix/pkg/assert"
)

const wordBits = 64

// Bitset is a bit vector with a logical length. Bits at or beyond the length are always zero, so
// operations between bitsets of different lengths treat the missing high bits as zero.
//
// The zero value is an empty bitset ready to use. Bitset holds a slice, so copying a Bitset by value
// shares its words; use Clone for an independent copy.
type Bitset struct {
	words bitmap.Bitmap
	n     int
}

// New returns a bitset of length n with every bit cleared.
func New(n int) Bitset {
	assert.That(n >= 0, "bitset length must be non-negative")
	return Bitset{words: make(bitmap.Bitmap, wordsFor(n)), n: n}
}

// Of returns a bitset with the given positions set. Its length is one past the highest position.
func Of(positions ...int) Bitset {
	var b Bitset
	for _, pos := range positions {
		b.Set(pos)
	}
	return b
}

// Len returns the logical length of the bitset.
func (b Bitset) Len() int {
	return b.n
}

// Resize changes the logical length to n. New bits are set to fill, truncated bits are dropped.
func (b *Bitset) Resize(n int, fill bool) {
	assert.That(n >= 0, "bitset length must be non-negative")

	old := b.n
	b.fit(wordsFor(n))
	b.n = n
	if fill && n > old {
		b.fillRange(old, n)
	}
	b.trim()
}

// Set sets the bit at pos, growing the bitset if pos is beyond its length.
func (b *Bitset) Set(pos int) {
	assert.That(pos >= 0, "bit position must be non-negative")
	if pos >= b.n {
		b.Resize(pos+1, false)
	}
	b.words.Set(uint32(pos)) //nolint:gosec // positions are small type ids
}

// Reset clears the bit at pos. Positions beyond the length are already clear.
func (b *Bitset) Reset(pos int) {
	if pos < 0 || pos >= b.n {
		return
	}
	b.words.Remove(uint32(pos)) //nolint:gosec // positions are small type ids
}

// Flip toggles the bit at pos, growing the bitset if needed.
func (b *Bitset) Flip(pos int) {
	if b.Test(pos) {
		b.Reset(pos)
		return
	}
	b.Set(pos)
}

// Test reports whether the bit at pos is set.
func (b Bitset) Test(pos int) bool {
	if pos < 0 || pos >= b.n {
		return false
	}
	return b.words.Contains(uint32(pos)) //nolint:gosec // positions are small type ids
}

// SetAll sets every bit below the length.
func (b *Bitset) SetAll() {
	b.fillRange(0, b.n)
}

// ResetAll clears every bit but keeps the length.
func (b *Bitset) ResetAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Count returns the number of set bits.
func (b Bitset) Count() int {
	return b.words.Count()
}

// Any reports whether at least one bit is set.
func (b Bitset) Any() bool {
	for _, w := range b.words {
		if w != 0 {
			return true
		}
	}
	return false
}

// None reports whether no bit is set.
func (b Bitset) None() bool {
	return !b.Any()
}

// -------------------------------------------------------------------------------------------------
// Set algebra
// -------------------------------------------------------------------------------------------------

// InPlaceAnd sets b to b & other.
func (b *Bitset) InPlaceAnd(other Bitset) {
	n := max(b.n, other.n)
	b.fit(wordsFor(n))
	for i := range b.words {
		b.words[i] &= other.word(i)
	}
	b.n = n
}

// InPlaceOr sets b to b | other.
func (b *Bitset) InPlaceOr(other Bitset) {
	n := max(b.n, other.n)
	b.fit(wordsFor(n))
	for i := range b.words {
		b.words[i] |= other.word(i)
	}
	b.n = n
	b.trim()
}

// InPlaceXor sets b to b ^ other.
func (b *Bitset) InPlaceXor(other Bitset) {
	n := max(b.n, other.n)
	b.fit(wordsFor(n))
	for i := range b.words {
		b.words[i] ^= other.word(i)
	}
	b.n = n
	b.trim()
}

// InPlaceAndNot sets b to b &^ other, the set difference.
func (b *Bitset) InPlaceAndNot(other Bitset) {
	n := max(b.n, other.n)
	b.fit(wordsFor(n))
	for i := range b.words {
		b.words[i] &^= other.word(i)
	}
	b.n = n
}

// InPlaceNot flips every bit below the length.
func (b *Bitset) InPlaceNot() {
	for i := range b.words {
		b.words[i] = ^b.words[i]
	}
	b.trim()
}

// And returns b & other.
func (b Bitset) And(other Bitset) Bitset {
	out := b.Clone()
	out.InPlaceAnd(other)
	return out
}

// Or returns b | other.
func (b Bitset) Or(other Bitset) Bitset {
	out := b.Clone()
	out.InPlaceOr(other)
	return out
}

// Xor returns b ^ other.
func (b Bitset) Xor(other Bitset) Bitset {
	out := b.Clone()
	out.InPlaceXor(other)
	return out
}

// AndNot returns b &^ other.
func (b Bitset) AndNot(other Bitset) Bitset {
	out := b.Clone()
	out.InPlaceAndNot(other)
	return out
}

// Not returns ~b, limited to the length of b.
func (b Bitset) Not() Bitset {
	out := b.Clone()
	out.InPlaceNot()
	return out
}

// Intersects reports whether b and other share at least one set bit.
func (b Bitset) Intersects(other Bitset) bool {
	n := min(len(b.words), len(other.words))
	for i := range n {
		if b.words[i]&other.words[i] != 0 {
			return true
		}
	}
	return false
}

// IsDisjoint reports whether b and other share no set bit.
func (b Bitset) IsDisjoint(other Bitset) bool {
	return !b.Intersects(other)
}

// IsSubsetOf reports whether every bit set in b is also set in other.
func (b Bitset) IsSubsetOf(other Bitset) bool {
	for i, w := range b.words {
		if w&^other.word(i) != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether b and other have the same bits set, regardless of length.
func (b Bitset) Equal(other Bitset) bool {
	n := max(len(b.words), len(other.words))
	for i := range n {
		if b.word(i) != other.word(i) {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------------------------------
// Search
// -------------------------------------------------------------------------------------------------

// FindFirst returns the position of the lowest set bit.
func (b Bitset) FindFirst() (int, bool) {
	pos, ok := b.words.Min()
	return int(pos), ok
}

// FindNext returns the position of the lowest set bit strictly after pos.
func (b Bitset) FindNext(pos int) (int, bool) {
	start := pos + 1
	if start < 0 {
		start = 0
	}
	if start >= b.n {
		return 0, false
	}

	i := start / wordBits
	w := b.words[i] >> (uint(start) % wordBits)
	if w != 0 {
		return start + bits.TrailingZeros64(w), true
	}
	for i++; i < len(b.words); i++ {
		if b.words[i] != 0 {
			return i*wordBits + bits.TrailingZeros64(b.words[i]), true
		}
	}
	return 0, false
}

// Ones iterates over the positions of the set bits in ascending order.
func (b Bitset) Ones() iter.Seq[int] {
	return func(yield func(int) bool) {
		for pos, ok := b.FindFirst(); ok; pos, ok = b.FindNext(pos) {
			if !yield(pos) {
				return
			}
		}
	}
}

// Clone returns an independent copy of b.
func (b Bitset) Clone() Bitset {
	return Bitset{words: b.words.Clone(nil), n: b.n}
}

// String formats the set bits as {1, 4, 9}.
func (b Bitset) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for pos := range b.Ones() {
		if !first {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Itoa(pos))
		first = false
	}
	sb.WriteByte('}')
	return sb.String()
}

// -------------------------------------------------------------------------------------------------
// Internal
// -------------------------------------------------------------------------------------------------

func wordsFor(n int) int {
	return (n + wordBits - 1) / wordBits
}

// word returns the i-th word, or zero if it is beyond the stored words.
func (b Bitset) word(i int) uint64 {
	if i < len(b.words) {
		return b.words[i]
	}
	return 0
}

// fit resizes the word slice to exactly size words. New words are zeroed even when they reuse
// capacity left behind by a previous shrink.
func (b *Bitset) fit(size int) {
	switch {
	case len(b.words) > size:
		b.words = b.words[:size]
	case len(b.words) < size:
		b.words = append(b.words, make(bitmap.Bitmap, size-len(b.words))...)
	}
}

// fillRange sets bits in [lo, hi).
func (b *Bitset) fillRange(lo, hi int) {
	for pos := lo; pos < hi; {
		i, off := pos/wordBits, pos%wordBits
		span := min(wordBits-off, hi-pos)
		mask := ^uint64(0)
		if span < wordBits {
			mask = (uint64(1)<<uint(span) - 1) << uint(off)
		}
		b.words[i] |= mask
		pos += span
	}
}

// trim clears the bits at or beyond the length and drops unused words.
func (b *Bitset) trim() {
	b.fit(wordsFor(b.n))
	if rem := b.n % wordBits; rem != 0 {
		b.words[len(b.words)-1] &= uint64(1)<<uint(rem) - 1
	}
}

package dhcpsvc

const bitsPerWord = 64

// bitSet is a sparse bit set used to track which offsets of an address range
// or a pool have already been handed out.  A nil *bitSet is an empty bitSet.
type bitSet struct {
	words map[uint64]uint64
}

// newBitSet returns a new, empty bitSet.
func newBitSet() (s *bitSet) {
	return &bitSet{
		words: map[uint64]uint64{},
	}
}

// isSet returns true if the bit n is set.
func (s *bitSet) isSet(n uint64) (ok bool) {
	if s == nil {
		return false
	}

	wordIdx := n / bitsPerWord
	bitIdx := n % bitsPerWord

	word, ok := s.words[wordIdx]

	return ok && word&(1<<bitIdx) != 0
}

// set sets or unsets a bit.
func (s *bitSet) set(n uint64, ok bool) {
	if s == nil {
		return
	}

	wordIdx := n / bitsPerWord
	bitIdx := n % bitsPerWord

	word := s.words[wordIdx]
	if ok {
		word |= 1 << bitIdx
	} else {
		word &^= 1 << bitIdx
	}

	s.words[wordIdx] = word
}

// count returns the number of set bits.
func (s *bitSet) count() (n uint64) {
	if s == nil {
		return 0
	}

	for _, word := range s.words {
		for word != 0 {
			word &= word - 1
			n++
		}
	}

	return n
}

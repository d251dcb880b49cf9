package bitmap

import "math/bits"

// Bitmap is a fixed-size bit set. It is not safe for concurrent use.
type Bitmap struct {
	data []uint64
	size int
}

func BitMap(size int) *Bitmap {
	if size <= 0 {
		size = 1
	}

	length := (size + 63) / 64
	return &Bitmap{
		data: make([]uint64, length),
		size: size,
	}
}

func (b *Bitmap) Size() int {
	return b.size
}

func (b *Bitmap) Set(pos int) {
	if pos < 0 || pos >= b.size {
		return
	}
	b.data[pos/64] |= 1 << (pos % 64)
}

func (b *Bitmap) Clear(pos int) {
	if pos < 0 || pos >= b.size {
		return
	}
	b.data[pos/64] &^= 1 << (pos % 64)
}

func (b *Bitmap) IsSet(pos int) bool {
	if pos < 0 || pos >= b.size {
		return false
	}
	return b.data[pos/64]&(1<<(pos%64)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.data {
		n += bits.OnesCount64(w)
	}
	return n
}

// FindNextClearBit returns the first clear position at or after startPos,
// wrapping around once. It returns -1 when every bit is set.
func (b *Bitmap) FindNextClearBit(startPos int) int {
	if startPos < 0 || startPos >= b.size {
		startPos = 0
	}

	pos := startPos
	for scanned := 0; scanned < b.size; {
		word := pos / 64
		// whole word set: skip to the next word boundary
		if pos%64 == 0 && b.data[word] == ^uint64(0) {
			step := 64
			if pos+step > b.size {
				step = b.size - pos
			}
			scanned += step
			pos = (pos + step) % b.size
			continue
		}
		if !b.IsSet(pos) {
			return pos
		}
		scanned++
		pos = (pos + 1) % b.size
	}

	return -1
}

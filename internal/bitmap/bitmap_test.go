package bitmap

import "testing"

func TestSetClear(t *testing.T) {
	b := BitMap(70)
	b.Set(0)
	b.Set(69)
	b.Set(70) // out of range, ignored

	if !b.IsSet(0) || !b.IsSet(69) {
		t.Fatalf("expected bits 0 and 69 set")
	}
	if b.Count() != 2 {
		t.Errorf("expected 2 set bits, got %d", b.Count())
	}

	b.Clear(0)
	if b.IsSet(0) {
		t.Errorf("bit 0 still set after Clear")
	}
}

func TestFindNextClearBitWraps(t *testing.T) {
	b := BitMap(5)
	for i := 0; i < 5; i++ {
		b.Set(i)
	}
	if got := b.FindNextClearBit(0); got != -1 {
		t.Fatalf("expected -1 on full bitmap, got %d", got)
	}

	b.Clear(1)
	if got := b.FindNextClearBit(3); got != 1 {
		t.Errorf("expected wrap-around to 1, got %d", got)
	}
}

func TestFindNextClearBitSkipsFullWords(t *testing.T) {
	b := BitMap(200)
	for i := 0; i < 130; i++ {
		b.Set(i)
	}
	if got := b.FindNextClearBit(0); got != 130 {
		t.Errorf("expected 130, got %d", got)
	}
	if got := b.FindNextClearBit(150); got != 150 {
		t.Errorf("expected 150, got %d", got)
	}
	for i := 130; i < 200; i++ {
		b.Set(i)
	}
	b.Clear(5)
	if got := b.FindNextClearBit(64); got != 5 {
		t.Errorf("expected 5 after wrapping, got %d", got)
	}
}

package align

import "testing"

func TestWordMapRoundTrip(t *testing.T) {
	text := "The old library stood\n\nat the end of Maple Street"
	wm := NewWordMap(text)

	if got := wm.TotalWords(); got != 10 {
		t.Fatalf("TotalWords = %d, want 10", got)
	}
	if got := wm.CharOffset(0); got != 0 {
		t.Errorf("CharOffset(0) = %d", got)
	}
	// "at" follows the blank-line separator.
	if got := text[wm.CharOffset(4) : wm.CharOffset(4)+2]; got != "at" {
		t.Errorf("word 4 = %q, want at", got)
	}
	if got := wm.CharOffset(10); got != len(text) {
		t.Errorf("CharOffset past end = %d, want %d", got, len(text))
	}
	if got := wm.WordAt(wm.CharOffset(7)); got != 7 {
		t.Errorf("WordAt(CharOffset(7)) = %d", got)
	}
	if got := wm.WordAt(0); got != 0 {
		t.Errorf("WordAt(0) = %d", got)
	}
	if got := wm.WordAt(len(text) + 5); got != 10 {
		t.Errorf("WordAt past end = %d", got)
	}
}

func TestWordMapSliceBounds(t *testing.T) {
	text := "alpha beta gamma delta"
	wm := NewWordMap(text)

	start, end := wm.SliceBounds(1, 3)
	if text[start:end] != "beta gamma" {
		t.Fatalf("SliceBounds(1,3) = %q", text[start:end])
	}

	// Clamped ranges never escape the text.
	start, end = wm.SliceBounds(2, 99)
	if text[start:end] != "gamma delta" {
		t.Fatalf("SliceBounds(2,99) = %q", text[start:end])
	}
	start, end = wm.SliceBounds(99, 120)
	if start != len(text) || end != len(text) {
		t.Fatalf("SliceBounds past end = (%d,%d)", start, end)
	}
}

func TestWordMapEmptyText(t *testing.T) {
	wm := NewWordMap("")
	if wm.TotalWords() != 0 {
		t.Fatalf("TotalWords = %d", wm.TotalWords())
	}
	if wm.CharOffset(0) != 0 || wm.WordAt(0) != 0 {
		t.Fatal("empty text offsets should be 0")
	}
}

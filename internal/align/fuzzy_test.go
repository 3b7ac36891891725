package align

import (
	"strings"
	"testing"
)

const libraryText = `Chapter One. The old library stood at the end of Maple Street, ` +
	`its windows dark behind the overgrown hedges. Nobody had entered it for ` +
	`thirty years, or so the neighbours said, and the children crossed the road ` +
	`rather than pass its iron gate. Morning light crept across the dusty ` +
	`shelves and the sleeping volumes waited in their long rows. A key turned ` +
	`in the lock for the first time in a generation and the door swung open ` +
	`with a sigh of old paper and dust. The caretaker stepped inside slowly, ` +
	`boots loud on the marble floor, and looked up at the galleries rising ` +
	`three storeys above him into the gloom.`

func TestMatchFindsVerbatimFragment(t *testing.T) {
	fragments := []Fragment{
		{Text: "the old library stood at the end of maple street", Timestamp: 12.5},
	}
	anchors := Match(libraryText, fragments, 0.5)
	if len(anchors) != 1 {
		t.Fatalf("anchors = %d, want 1", len(anchors))
	}
	a := anchors[0]
	if a.AudioTime != 12.5 {
		t.Errorf("AudioTime = %v", a.AudioTime)
	}
	if a.CharIndex < 0 || a.CharIndex > 100 {
		t.Errorf("CharIndex = %d, expected within the opening window", a.CharIndex)
	}
	if a.Confidence <= 0.5 {
		t.Errorf("Confidence = %v", a.Confidence)
	}
}

func TestMatchToleratesTranscriptionErrors(t *testing.T) {
	// Misheard words and missing punctuation, as a speech model produces.
	fragments := []Fragment{
		{Text: "nobody had entered it for thirteen years or so the neighbors said", Timestamp: 30},
	}
	anchors := Match(libraryText, fragments, 0.5)
	if len(anchors) != 1 {
		t.Fatalf("anchors = %d, want 1", len(anchors))
	}
}

func TestMatchRejectsUnrelatedFragment(t *testing.T) {
	fragments := []Fragment{
		{Text: "completely unrelated text about spaceships and quantum flux regulators", Timestamp: 5},
	}
	if anchors := Match(libraryText, fragments, 0.5); len(anchors) != 0 {
		t.Fatalf("anchors = %d, want 0", len(anchors))
	}
}

func TestMatchSkipsShortFragments(t *testing.T) {
	fragments := []Fragment{
		{Text: "uh", Timestamp: 1},
		{Text: "   ok   ", Timestamp: 2},
	}
	if anchors := Match(libraryText, fragments, 0.5); len(anchors) != 0 {
		t.Fatalf("anchors = %d, want 0", len(anchors))
	}
}

func TestMatchSortsByAudioTime(t *testing.T) {
	fragments := []Fragment{
		{Text: "the caretaker stepped inside slowly boots loud on the marble floor", Timestamp: 90},
		{Text: "the old library stood at the end of maple street", Timestamp: 10},
	}
	anchors := Match(libraryText, fragments, 0.5)
	if len(anchors) != 2 {
		t.Fatalf("anchors = %d, want 2", len(anchors))
	}
	if anchors[0].AudioTime > anchors[1].AudioTime {
		t.Fatal("anchors not sorted by audio time")
	}
	if anchors[1].CharIndex <= anchors[0].CharIndex {
		t.Errorf("later fragment should land later in text: %d <= %d",
			anchors[1].CharIndex, anchors[0].CharIndex)
	}
}

func TestMatchDeterministic(t *testing.T) {
	fragments := []Fragment{
		{Text: "morning light crept across the dusty shelves", Timestamp: 40},
		{Text: "a key turned in the lock for the first time", Timestamp: 55},
	}
	first := Match(libraryText, fragments, 0.5)
	second := Match(libraryText, fragments, 0.5)
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("anchor %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestMatchEmptyText(t *testing.T) {
	fragments := []Fragment{{Text: "anything at all really", Timestamp: 1}}
	if anchors := Match("", fragments, 0.5); len(anchors) != 0 {
		t.Fatal("empty text must yield no anchors")
	}
}

func TestBuildWindowsOffsets(t *testing.T) {
	words := make([]string, 120)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")
	windows := buildWindows(text)
	// 120 words, stride 25: windows start at words 0,25,50,75,100.
	if len(windows) != 5 {
		t.Fatalf("windows = %d, want 5", len(windows))
	}
	wm := NewWordMap(text)
	for i, w := range windows {
		if want := wm.CharOffset(i * windowStride); w.offset != want {
			t.Errorf("window %d offset = %d, want %d", i, w.offset, want)
		}
	}
}

// Package align matches transcription text against book text and maintains
// the time-to-position sync curve built from the resulting anchors.
package align

import (
	"sort"
	"unicode"
)

// WordMap precomputes the character span of every whitespace-separated word
// in a text so word indexes and character offsets convert both ways in
// O(log n).
type WordMap struct {
	textLen int
	starts  []int
	ends    []int
}

// NewWordMap indexes text.
func NewWordMap(text string) *WordMap {
	wm := &WordMap{textLen: len(text)}
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				wm.ends = append(wm.ends, i)
				inWord = false
			}
			continue
		}
		if !inWord {
			wm.starts = append(wm.starts, i)
			inWord = true
		}
	}
	if inWord {
		wm.ends = append(wm.ends, len(text))
	}
	return wm
}

// TotalWords returns the number of words in the text.
func (wm *WordMap) TotalWords() int { return len(wm.starts) }

// CharOffset returns the character offset where word starts. An index at or
// past the end maps to the text length; negative indexes map to 0.
func (wm *WordMap) CharOffset(word int) int {
	if word < 0 {
		return 0
	}
	if word >= len(wm.starts) {
		return wm.textLen
	}
	return wm.starts[word]
}

// WordAt returns the index of the word containing (or the first word after)
// the character position.
func (wm *WordMap) WordAt(char int) int {
	if char <= 0 || len(wm.starts) == 0 {
		return 0
	}
	if char >= wm.textLen {
		return len(wm.starts)
	}
	return sort.Search(len(wm.ends), func(i int) bool { return wm.ends[i] > char })
}

// SliceBounds returns the character range covering words
// [wordStart, wordEnd). The range is clamped to the text.
func (wm *WordMap) SliceBounds(wordStart, wordEnd int) (int, int) {
	start := wm.CharOffset(wordStart)
	var end int
	if wordEnd <= 0 {
		end = 0
	} else if wordEnd > len(wm.ends) {
		end = wm.textLen
	} else {
		end = wm.ends[wordEnd-1]
	}
	if end < start {
		end = start
	}
	return start, end
}

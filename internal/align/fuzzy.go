package align

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"readalong/pkg/domain"
)

const (
	windowWords  = 50
	windowStride = 25

	// minFragmentChars: transcript fragments shorter than this carry too
	// little signal to match reliably.
	minFragmentChars = 10

	// minOverlapChars is the minimum comparable length between fragment
	// and window.
	minOverlapChars = 10

	// maxNormalizedDistance is the similarity threshold: matches whose
	// normalized edit distance exceeds it are rejected.
	maxNormalizedDistance = 0.4
)

// Fragment is one timestamped piece of transcription text.
type Fragment struct {
	Text      string
	Timestamp float64
}

// window is a span of book text with its character offset.
type window struct {
	text   string
	offset int
}

// buildWindows cuts text into overlapping windows of windowWords words with
// a stride of windowStride.
func buildWindows(text string) []window {
	wm := NewWordMap(text)
	n := wm.TotalWords()
	if n == 0 {
		return nil
	}
	var windows []window
	for i := 0; i < n; i += windowStride {
		end := i + windowWords
		if end > n {
			end = n
		}
		startChar, endChar := wm.SliceBounds(i, end)
		windows = append(windows, window{text: text[startChar:endChar], offset: startChar})
	}
	return windows
}

// Match fuzzy-searches every fragment against overlapping windows of text
// and returns one anchor per acceptable match, sorted by audio time.
// Matching is deterministic: identical inputs always yield identical
// anchors.
func Match(text string, fragments []Fragment, confidenceFloor float64) []domain.SyncAnchor {
	windows := buildWindows(text)
	if len(windows) == 0 {
		return nil
	}

	var anchors []domain.SyncAnchor
	for _, frag := range fragments {
		needle := normalizeForMatch(frag.Text)
		if len(needle) < minFragmentChars {
			continue
		}
		bestScore := 2.0
		bestOffset := -1
		for _, w := range windows {
			hay := normalizeForMatch(w.text)
			if len(hay) < minOverlapChars {
				continue
			}
			score := bestSubstringDistance(needle, hay)
			if score < bestScore {
				bestScore = score
				bestOffset = w.offset
			}
		}
		if bestOffset < 0 || bestScore > maxNormalizedDistance {
			continue
		}
		confidence := 1 - bestScore
		if confidence <= confidenceFloor {
			continue
		}
		anchors = append(anchors, domain.SyncAnchor{
			AudioTime:  frag.Timestamp,
			CharIndex:  bestOffset,
			Confidence: confidence,
		})
	}
	sort.SliceStable(anchors, func(i, j int) bool {
		return anchors[i].AudioTime < anchors[j].AudioTime
	})
	return anchors
}

// bestSubstringDistance returns the minimum normalized edit distance between
// needle and any needle-sized substring of hay. Sliding in quarter-needle
// steps keeps the scan cheap while staying deterministic.
func bestSubstringDistance(needle, hay string) float64 {
	if len(needle) == 0 {
		return 1
	}
	if len(hay) <= len(needle) {
		return normalizedDistance(needle, hay)
	}
	step := len(needle) / 4
	if step < 1 {
		step = 1
	}
	best := 1.0
	for start := 0; start <= len(hay)-len(needle); start += step {
		d := normalizedDistance(needle, hay[start:start+len(needle)])
		if d < best {
			best = d
		}
	}
	// The tail window can land between strides.
	if d := normalizedDistance(needle, hay[len(hay)-len(needle):]); d < best {
		best = d
	}
	return best
}

func normalizedDistance(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return float64(matchr.Levenshtein(a, b)) / float64(longest)
}

// normalizeForMatch lowercases, strips punctuation, and collapses
// whitespace so transcription style differences do not dominate the edit
// distance.
func normalizeForMatch(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			lastSpace = false
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127:
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

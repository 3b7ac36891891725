package align

import (
	"math"
	"sort"

	"readalong/pkg/domain"
)

// SelectOptions tunes anchor selection and merging.
type SelectOptions struct {
	MinGapSec        float64
	MinGapChars      int
	MergeWindowSec   float64
	MergeWindowChars int
}

// DefaultSelectOptions returns the documented defaults.
func DefaultSelectOptions() SelectOptions {
	return SelectOptions{
		MinGapSec:        30,
		MinGapChars:      500,
		MergeWindowSec:   1.0,
		MergeWindowChars: 10,
	}
}

// Select turns raw anchors into a monotone sync curve: the
// highest-confidence anchors spaced at least (MinGapSec, MinGapChars) apart,
// re-sorted by audio time, with synthetic endpoints added when the real
// anchors leave the start or end of the audio uncovered.
func Select(raw []domain.SyncAnchor, totalDurationSec float64, textLen int, opts SelectOptions) []domain.SyncAnchor {
	byConfidence := make([]domain.SyncAnchor, len(raw))
	copy(byConfidence, raw)
	sort.SliceStable(byConfidence, func(i, j int) bool {
		if byConfidence[i].Confidence != byConfidence[j].Confidence {
			return byConfidence[i].Confidence > byConfidence[j].Confidence
		}
		return byConfidence[i].AudioTime < byConfidence[j].AudioTime
	})

	var accepted []domain.SyncAnchor
	for _, candidate := range byConfidence {
		ok := true
		for _, kept := range accepted {
			if math.Abs(candidate.AudioTime-kept.AudioTime) < opts.MinGapSec ||
				absInt(candidate.CharIndex-kept.CharIndex) < opts.MinGapChars {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, candidate)
		}
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].AudioTime < accepted[j].AudioTime
	})

	if len(accepted) == 0 || accepted[0].AudioTime > 5 {
		accepted = append([]domain.SyncAnchor{{AudioTime: 0, CharIndex: 0, Confidence: 1}}, accepted...)
	}
	if last := accepted[len(accepted)-1]; last.AudioTime < totalDurationSec-30 {
		accepted = append(accepted, domain.SyncAnchor{
			AudioTime:  totalDurationSec,
			CharIndex:  textLen,
			Confidence: 1,
		})
	}
	return accepted
}

// Merge unions two anchor sets, sorts by audio time, and collapses any pair
// closer than (MergeWindowSec, MergeWindowChars), keeping the higher
// confidence. Ties break toward the earlier audio time.
func Merge(a, b []domain.SyncAnchor, opts SelectOptions) []domain.SyncAnchor {
	all := make([]domain.SyncAnchor, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].AudioTime != all[j].AudioTime {
			return all[i].AudioTime < all[j].AudioTime
		}
		return all[i].Confidence > all[j].Confidence
	})

	var merged []domain.SyncAnchor
	for _, candidate := range all {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if math.Abs(candidate.AudioTime-last.AudioTime) < opts.MergeWindowSec &&
				absInt(candidate.CharIndex-last.CharIndex) < opts.MergeWindowChars {
				if candidate.Confidence > last.Confidence {
					*last = candidate
				}
				continue
			}
		}
		merged = append(merged, candidate)
	}
	return merged
}

// Curve answers "given audio time t, what text position?" by linear
// interpolation between the bracketing anchors. Anchors must be sorted by
// audio time.
type Curve struct {
	anchors []domain.SyncAnchor
}

// NewCurve builds an interpolation curve over anchors.
func NewCurve(anchors []domain.SyncAnchor) *Curve {
	return &Curve{anchors: anchors}
}

// PositionAt returns the interpolated character position for audio time t.
func (c *Curve) PositionAt(t float64) int {
	if len(c.anchors) == 0 {
		return 0
	}
	if len(c.anchors) == 1 {
		return c.anchors[0].CharIndex
	}
	if t <= c.anchors[0].AudioTime {
		return c.anchors[0].CharIndex
	}
	last := c.anchors[len(c.anchors)-1]
	if t >= last.AudioTime {
		return last.CharIndex
	}
	// Find the bracketing pair a, b with a.AudioTime <= t <= b.AudioTime.
	idx := sort.Search(len(c.anchors), func(i int) bool {
		return c.anchors[i].AudioTime > t
	})
	a, b := c.anchors[idx-1], c.anchors[idx]
	span := b.AudioTime - a.AudioTime
	if span <= 0 {
		return a.CharIndex
	}
	frac := (t - a.AudioTime) / span
	return a.CharIndex + int(math.Round(frac*float64(b.CharIndex-a.CharIndex)))
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

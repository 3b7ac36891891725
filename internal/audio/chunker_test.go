package audio

import (
	"testing"

	"readalong/internal/config"
)

func syncDefaults() config.Sync {
	var s config.Sync
	s.ApplyDefaults()
	return s
}

func TestPlanSegmentsClampsToMaxDuration(t *testing.T) {
	cfg := syncDefaults()
	// 120 MiB M4B over 9 hours: ~3.7 KiB/s, so the byte-limited segment
	// length far exceeds the clamp ceiling and every chunk is 600 s.
	totalDur := 9 * 3600.0
	bytesPerSec := 3.7 * 1024

	plan := planSegments(cfg, totalDur, bytesPerSec, 0)
	if len(plan) == 0 {
		t.Fatal("empty plan")
	}
	for i, d := range plan[:len(plan)-1] {
		if d != 600 {
			t.Fatalf("segment %d duration = %v, want 600", i, d)
		}
	}
	var sum float64
	for _, d := range plan {
		sum += d
	}
	if sum < totalDur-1 || sum > totalDur+1 {
		t.Fatalf("plan covers %v, want %v", sum, totalDur)
	}
}

func TestPlanSegmentsFirstChunkCap(t *testing.T) {
	cfg := syncDefaults()
	plan := planSegments(cfg, 9*3600.0, 3.7*1024, 120)
	if plan[0] != 120 {
		t.Fatalf("first segment = %v, want 120", plan[0])
	}
	if plan[1] != 600 {
		t.Fatalf("second segment = %v, want 600", plan[1])
	}
}

func TestPlanSegmentsClampsToMinDuration(t *testing.T) {
	cfg := syncDefaults()
	// Absurdly high byte rate: byte-limited length would be under a
	// minute, clamp floor holds at 60 s.
	plan := planSegments(cfg, 3600, 10<<20, 0)
	if plan[0] != 60 {
		t.Fatalf("segment duration = %v, want 60", plan[0])
	}
}

func TestPlanSegmentsShortFile(t *testing.T) {
	cfg := syncDefaults()
	plan := planSegments(cfg, 45, 3.7*1024, 0)
	if len(plan) != 1 {
		t.Fatalf("plan length = %d, want 1", len(plan))
	}
	if plan[0] != 45 {
		t.Fatalf("segment = %v, want 45", plan[0])
	}
}

func TestPlanSegmentsStartTimesStrictlyIncrease(t *testing.T) {
	cfg := syncDefaults()
	plan := planSegments(cfg, 7200, 16*1024, 120)
	start := 0.0
	prev := -1.0
	for i, d := range plan {
		if d <= 0 {
			t.Fatalf("segment %d has non-positive duration %v", i, d)
		}
		if start <= prev {
			t.Fatalf("segment %d start %v does not increase past %v", i, start, prev)
		}
		prev = start
		start += d
	}
}

func TestNeedsReencode(t *testing.T) {
	if !needsReencode("m4b") {
		t.Error("m4b must be re-encoded")
	}
	for _, format := range []string{"mp3", "m4a", "wav", "ogg"} {
		if needsReencode(format) {
			t.Errorf("%s should be codec-copied", format)
		}
	}
}

func TestFormatFromFilename(t *testing.T) {
	if got := FormatFromFilename("book.m4b"); got != "m4b" {
		t.Fatalf("FormatFromFilename = %q", got)
	}
	if got := FormatFromFilename("noext"); got != "" {
		t.Fatalf("FormatFromFilename = %q, want empty", got)
	}
}

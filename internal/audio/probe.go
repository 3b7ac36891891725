// Package audio segments source audio files into transcription-ready chunks
// below the provider's byte limit, re-encoding container formats the
// provider cannot accept.
package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Info describes a probed audio file. Zero DurationSec means the container
// did not report a duration.
type Info struct {
	DurationSec    float64
	BytesPerSecond float64
	FormatName     string
	SizeBytes      int64
}

type ffprobeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
		Size       string `json:"size"`
	} `json:"format"`
}

// Probe runs ffprobe on path and returns container-level metadata.
func Probe(ctx context.Context, path string) (Info, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return Info{}, fmt.Errorf("ffprobe not found: %w", err)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := Info{FormatName: parsed.Format.FormatName}
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil && d > 0 {
		info.DurationSec = d
	}
	if n, err := strconv.ParseInt(parsed.Format.Size, 10, 64); err == nil {
		info.SizeBytes = n
	}
	if bitrate, err := strconv.ParseFloat(parsed.Format.BitRate, 64); err == nil && bitrate > 0 {
		info.BytesPerSecond = bitrate / 8
	} else if info.DurationSec > 0 && info.SizeBytes > 0 {
		info.BytesPerSecond = float64(info.SizeBytes) / info.DurationSec
	}
	return info, nil
}

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"readalong/internal/config"
	"readalong/pkg/domain"
	"readalong/pkg/storage"
)

const (
	// fallbackSegmentSec is the segment length used when the source
	// duration is unknown.
	fallbackSegmentSec = 300

	// maxFallbackSegments caps blind extraction so a corrupt stream cannot
	// loop forever.
	maxFallbackSegments = 500

	// endOfStreamBytes: a blind-extracted segment below this size marks the
	// end of the source.
	endOfStreamBytes = 1024

	copyTimeout = 120 * time.Second
)

// Chunk describes one transcription-ready audio segment. Either Path (local
// file) or Key (blob store) locates the bytes; InBlobStore selects which.
type Chunk struct {
	Path        string
	Key         string
	StartTime   float64
	Duration    float64
	ByteSize    int64
	InBlobStore bool
}

// SplitOptions controls one Split invocation.
type SplitOptions struct {
	SourcePath string
	SessionID  string
	// UseBlobStore uploads each produced segment and removes the local
	// copy, trading local-disk pressure for object-store traffic.
	UseBlobStore bool
	// FirstChunkCapSec caps the first segment's duration (progressive
	// sessions on re-encoded formats start playback within seconds).
	FirstChunkCapSec float64
	// OnPlan is invoked once with the planned chunk count before
	// extraction begins. When the source duration or byte rate is unknown
	// (blind segmentation), it is invoked after extraction with the number
	// of chunks produced.
	OnPlan func(totalChunks int)
}

// Chunker splits audio files into segments below the provider byte limit.
type Chunker struct {
	cfg     config.Sync
	blobs   storage.BlobStore
	workDir string
}

// NewChunker verifies ffmpeg is available and returns a Chunker that places
// per-session working directories under workDir.
func NewChunker(cfg config.Sync, blobs storage.BlobStore, workDir string) (*Chunker, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Chunker{cfg: cfg, blobs: blobs, workDir: workDir}, nil
}

// sessionDir returns the per-session working directory, creating it when
// missing. Directories are keyed by session so concurrent sessions never
// collide.
func (c *Chunker) sessionDir(sessionID string) (string, error) {
	dir := filepath.Join(c.workDir, "chunks_"+sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// needsReencode reports whether the provider cannot accept the format
// natively. M4B audiobook containers are re-encoded to MP3.
func needsReencode(format string) bool {
	return format == "m4b"
}

// FormatFromFilename returns the format tag for an audio filename.
func FormatFromFilename(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	return ext[1:]
}

// Split divides the source file into chunks each at most chunkTargetBytes.
// A source of at most providerMaxBytes in a format the provider accepts is
// returned unchanged as a single chunk instead. Chunks come back in
// start-time order with strictly increasing start times.
func (c *Chunker) Split(ctx context.Context, opts SplitOptions) ([]Chunk, error) {
	stat, err := os.Stat(opts.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	format := FormatFromFilename(opts.SourcePath)

	// Small enough for the provider already: describe the original in
	// place, no copy. The boundary is inclusive: the provider accepts a
	// payload of exactly its limit.
	if stat.Size() <= c.cfg.ProviderMaxBytes && !needsReencode(format) {
		info, err := Probe(ctx, opts.SourcePath)
		if err != nil {
			return nil, err
		}
		if opts.OnPlan != nil {
			opts.OnPlan(1)
		}
		return []Chunk{{
			Path:     opts.SourcePath,
			Duration: info.DurationSec,
			ByteSize: stat.Size(),
		}}, nil
	}

	info, err := Probe(ctx, opts.SourcePath)
	if err != nil {
		slog.Warn("audio probe failed, using blind segmentation", "path", opts.SourcePath, "err", err)
		info = Info{}
	}
	if info.DurationSec <= 0 || info.BytesPerSecond <= 0 {
		return c.splitBlind(ctx, opts, format)
	}

	plan := planSegments(c.cfg, info.DurationSec, info.BytesPerSecond, opts.FirstChunkCapSec)
	if opts.OnPlan != nil {
		opts.OnPlan(len(plan))
	}

	dir, err := c.sessionDir(opts.SessionID)
	if err != nil {
		return nil, err
	}
	reencode := needsReencode(format)
	ext := ".mp3"
	if !reencode {
		ext = filepath.Ext(opts.SourcePath)
	}

	chunks := make([]Chunk, 0, len(plan))
	start := 0.0
	for i, dur := range plan {
		out := filepath.Join(dir, fmt.Sprintf("chunk_%d%s", i, ext))
		if err := c.extract(ctx, opts.SourcePath, out, start, dur, reencode); err != nil {
			c.Cleanup(context.WithoutCancel(ctx), opts.SessionID, chunks)
			return nil, err
		}
		chunk, err := c.finishChunk(ctx, opts, i, out, start, dur, ext)
		if err != nil {
			c.Cleanup(context.WithoutCancel(ctx), opts.SessionID, chunks)
			return nil, err
		}
		chunks = append(chunks, chunk)
		start += dur
	}
	return chunks, nil
}

// planSegments computes per-segment durations covering [0, totalDur). The
// regular segment length targets chunkTargetBytes at the measured byte rate,
// clamped to the configured duration window; firstCapSec optionally caps the
// first segment.
func planSegments(cfg config.Sync, totalDur, bytesPerSec, firstCapSec float64) []float64 {
	segDur := float64(cfg.ChunkTargetBytes) / bytesPerSec
	segDur = clamp(segDur, float64(cfg.ChunkDurationMinSec), float64(cfg.ChunkDurationMaxSec))

	var plan []float64
	remaining := totalDur
	first := segDur
	if firstCapSec > 0 && firstCapSec < first {
		first = firstCapSec
	}
	plan = append(plan, minFloat(first, remaining))
	remaining -= plan[0]
	for remaining > 0.01 {
		d := minFloat(segDur, remaining)
		plan = append(plan, d)
		remaining -= d
	}
	return plan
}

// splitBlind extracts fixed-length segments until the stream runs dry. Used
// when the container reports no duration or bitrate.
func (c *Chunker) splitBlind(ctx context.Context, opts SplitOptions, format string) ([]Chunk, error) {
	dir, err := c.sessionDir(opts.SessionID)
	if err != nil {
		return nil, err
	}
	reencode := needsReencode(format)
	ext := ".mp3"
	if !reencode {
		ext = filepath.Ext(opts.SourcePath)
	}

	var chunks []Chunk
	start := 0.0
	for i := 0; i < maxFallbackSegments; i++ {
		dur := float64(fallbackSegmentSec)
		if i == 0 && opts.FirstChunkCapSec > 0 && opts.FirstChunkCapSec < dur {
			dur = opts.FirstChunkCapSec
		}
		out := filepath.Join(dir, fmt.Sprintf("chunk_%d%s", i, ext))
		if err := c.extract(ctx, opts.SourcePath, out, start, dur, reencode); err != nil {
			c.Cleanup(context.WithoutCancel(ctx), opts.SessionID, chunks)
			return nil, err
		}
		stat, err := os.Stat(out)
		if err != nil || stat.Size() < endOfStreamBytes {
			_ = os.Remove(out)
			break
		}
		chunk, err := c.finishChunk(ctx, opts, i, out, start, dur, ext)
		if err != nil {
			c.Cleanup(context.WithoutCancel(ctx), opts.SessionID, chunks)
			return nil, err
		}
		chunks = append(chunks, chunk)
		start += dur
	}
	if opts.OnPlan != nil {
		opts.OnPlan(len(chunks))
	}
	return chunks, nil
}

// finishChunk verifies the segment size and optionally moves it to the blob
// store.
func (c *Chunker) finishChunk(ctx context.Context, opts SplitOptions, index int, path string, start, dur float64, ext string) (Chunk, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("stat segment: %w", err)
	}
	if stat.Size() > c.cfg.ChunkTargetBytes {
		return Chunk{}, fmt.Errorf("segment %d is %d bytes: %w", index, stat.Size(), domain.ErrChunkTooLarge)
	}
	chunk := Chunk{
		Path:      path,
		StartTime: start,
		Duration:  dur,
		ByteSize:  stat.Size(),
	}
	if opts.UseBlobStore && c.blobs != nil {
		key := storage.TempChunkKey(opts.SessionID, index, ext)
		file, err := os.Open(path)
		if err != nil {
			return Chunk{}, fmt.Errorf("open segment: %w", err)
		}
		err = c.blobs.Put(ctx, key, file, stat.Size(), "application/octet-stream")
		file.Close()
		if err != nil {
			return Chunk{}, fmt.Errorf("upload segment: %w", err)
		}
		_ = os.Remove(path)
		chunk.Path = ""
		chunk.Key = key
		chunk.InBlobStore = true
	}
	return chunk, nil
}

// ExtractRange extracts [startSec, startSec+durSec) of the source into the
// session working directory and returns the local path. The caller owns the
// file.
func (c *Chunker) ExtractRange(ctx context.Context, sessionID, sourcePath string, startSec, durSec float64, tag string) (string, error) {
	dir, err := c.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	reencode := needsReencode(FormatFromFilename(sourcePath))
	ext := ".mp3"
	if !reencode {
		ext = filepath.Ext(sourcePath)
	}
	out := filepath.Join(dir, tag+ext)
	if err := c.extract(ctx, sourcePath, out, startSec, durSec, reencode); err != nil {
		return "", err
	}
	return out, nil
}

// extract runs one ffmpeg segment extraction. Re-encoded segments strip
// cover-art and video tracks and run under a deadline proportional to the
// segment length; codec-copy segments use a fixed deadline.
func (c *Chunker) extract(ctx context.Context, src, dst string, startSec, durSec float64, reencode bool) error {
	timeout := copyTimeout
	if reencode {
		timeout = time.Duration(maxFloat(60, 2*durSec)) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-ss", formatSeconds(startSec),
		"-t", formatSeconds(durSec),
		"-i", src,
	}
	if reencode {
		args = append(args, "-vn", "-c:a", "libmp3lame", "-b:a", "128k")
	} else {
		args = append(args, "-c", "copy")
	}
	args = append(args, "-y", dst)

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(dst)
		if runCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("ffmpeg timed out after %s", timeout)
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, truncate(string(output), 300))
	}
	return nil
}

// Cleanup releases every chunk and removes the session working directory.
// It is idempotent: cleaning an already-cleaned set is a no-op.
func (c *Chunker) Cleanup(ctx context.Context, sessionID string, chunks []Chunk) {
	for _, chunk := range chunks {
		if chunk.InBlobStore && c.blobs != nil {
			if err := c.blobs.Delete(ctx, chunk.Key); err != nil {
				slog.Warn("delete blob chunk", "key", chunk.Key, "err", err)
			}
			continue
		}
		if chunk.Path != "" {
			_ = os.Remove(chunk.Path)
		}
	}
	dir := filepath.Join(c.workDir, "chunks_"+sessionID)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("remove session work dir", "dir", dir, "err", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

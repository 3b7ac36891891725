// Package syncer drives the book/audiobook sync pipeline: it owns session
// state, schedules chunk work, and persists alignment progress.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"readalong/internal/align"
	"readalong/internal/audio"
	"readalong/internal/config"
	"readalong/internal/transcribe"
	"readalong/pkg/domain"
	"readalong/pkg/storage"
	"readalong/pkg/store"
)

// Chunker is the audio segmentation capability the orchestrator depends on.
// *audio.Chunker is the production implementation; tests substitute fakes.
type Chunker interface {
	Split(ctx context.Context, opts audio.SplitOptions) ([]audio.Chunk, error)
	ExtractRange(ctx context.Context, sessionID, sourcePath string, startSec, durSec float64, tag string) (string, error)
	Cleanup(ctx context.Context, sessionID string, chunks []audio.Chunk)
}

// Orchestrator coordinates the chunk → transcribe → match → commit pipeline
// for sync sessions. Within one session the steps run strictly sequentially;
// across sessions they run in parallel with the session row as the only
// shared state.
type Orchestrator struct {
	store   store.Store
	blobs   storage.BlobStore
	stt     transcribe.Transcriber
	chunker Chunker
	cfg     config.Sync
	workDir string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// advance deduplicates auto-advance requests per session; the pending
	// flag resets only when the synced frontier actually grows.
	advance        singleflight.Group
	advancePending map[string]bool
}

// New wires an Orchestrator.
func New(st store.Store, blobs storage.BlobStore, stt transcribe.Transcriber, chunker Chunker, cfg config.Sync, workDir string) *Orchestrator {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Orchestrator{
		store:          st,
		blobs:          blobs,
		stt:            stt,
		chunker:        chunker,
		cfg:            cfg,
		workDir:        workDir,
		cancels:        make(map[string]context.CancelFunc),
		advancePending: make(map[string]bool),
	}
}

// CreateSession pairs a book with an audiobook for one owner. An existing
// live session for the same pair is returned instead of creating a second
// one.
func (o *Orchestrator) CreateSession(ctx context.Context, ownerID, bookID, audioID string, mode domain.SyncMode, wordChunkSize int) (domain.SyncSession, error) {
	if _, err := o.store.GetBook(ctx, ownerID, bookID); err != nil {
		return domain.SyncSession{}, fmt.Errorf("book %s: %w", bookID, err)
	}
	if _, err := o.store.GetAudiobook(ctx, ownerID, audioID); err != nil {
		return domain.SyncSession{}, fmt.Errorf("audiobook %s: %w", audioID, err)
	}
	if wordChunkSize <= 0 {
		wordChunkSize = o.cfg.ProgressiveChunkWords
	}
	now := time.Now().UTC()
	return o.store.CreateSession(ctx, domain.SyncSession{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		BookID:        bookID,
		AudioID:       audioID,
		Status:        domain.SessionPending,
		SyncMode:      mode,
		WordChunkSize: wordChunkSize,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Run executes the sync pipeline for a pending session and blocks until the
// session completes, fails, or (in progressive mode) the first chunk has
// been committed. Cancellation via DeleteSession is observed at the next
// suspension point and is not treated as an error.
func (o *Orchestrator) Run(ctx context.Context, ownerID, sessionID string) error {
	sess, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionPending {
		return fmt.Errorf("session %s is %s, want pending", sessionID, sess.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[sessionID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, sessionID)
		o.mu.Unlock()
	}()

	switch sess.SyncMode {
	case domain.ModeProgressive:
		err = o.runProgressive(runCtx, sess)
	default:
		err = o.runFull(runCtx, sess)
	}
	if err != nil {
		if isCancel(err) {
			slog.Info("sync cancelled", "session_id", sessionID)
			return nil
		}
		o.failSession(ownerID, sessionID, err)
		return err
	}
	return nil
}

// Pause halts auto-advance for a progressive session. The chunk currently
// in flight finishes normally. Pausing an already-paused session is a
// no-op returning the current session.
func (o *Orchestrator) Pause(ctx context.Context, ownerID, sessionID string) (domain.SyncSession, error) {
	sess, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return domain.SyncSession{}, err
	}
	if sess.SyncMode != domain.ModeProgressive {
		return domain.SyncSession{}, fmt.Errorf("pause is only valid for progressive sessions")
	}
	if sess.Status == domain.SessionPaused {
		return sess, nil
	}
	if sess.Status != domain.SessionProcessing {
		return domain.SyncSession{}, fmt.Errorf("cannot pause session in state %s", sess.Status)
	}
	paused := domain.SessionPaused
	return o.store.UpdateSession(ctx, ownerID, sessionID, store.SessionPatch{Status: &paused})
}

// Resume restarts a paused session and schedules exactly one chunk from the
// persisted frontier.
func (o *Orchestrator) Resume(ctx context.Context, ownerID, sessionID string) (domain.SyncSession, error) {
	sess, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return domain.SyncSession{}, err
	}
	if sess.Status != domain.SessionPaused {
		return domain.SyncSession{}, fmt.Errorf("cannot resume session in state %s", sess.Status)
	}
	processing := domain.SessionProcessing
	sess, err = o.store.UpdateSession(ctx, ownerID, sessionID, store.SessionPatch{Status: &processing})
	if err != nil {
		return domain.SyncSession{}, err
	}
	o.clearAdvanceFlag(sessionID)
	if _, err := o.SyncWordChunk(ctx, ownerID, sessionID, sess.SyncedUpToWord, sess.WordChunkSize, nil); err != nil {
		if isCancel(err) {
			return sess, nil
		}
		o.failSession(ownerID, sessionID, err)
		return domain.SyncSession{}, err
	}
	return o.store.GetSession(ctx, ownerID, sessionID)
}

// Retry resets a failed session so it can run again from scratch.
func (o *Orchestrator) Retry(ctx context.Context, ownerID, sessionID string) (domain.SyncSession, error) {
	sess, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return domain.SyncSession{}, err
	}
	if sess.Status != domain.SessionError {
		return domain.SyncSession{}, fmt.Errorf("cannot retry session in state %s", sess.Status)
	}
	pending := domain.SessionPending
	step := domain.SyncStep("")
	zero := 0
	empty := ""
	o.clearAdvanceFlag(sessionID)
	return o.store.UpdateSession(ctx, ownerID, sessionID, store.SessionPatch{
		Status:       &pending,
		CurrentStep:  &step,
		Progress:     &zero,
		ErrorMessage: &empty,
	})
}

// DeleteSession cancels any in-flight work for the session, purges its
// temporary artifacts, and removes the row.
func (o *Orchestrator) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := o.store.GetSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	o.mu.Lock()
	if cancel, ok := o.cancels[sessionID]; ok {
		cancel()
	}
	o.mu.Unlock()
	o.clearAdvanceFlag(sessionID)
	o.chunker.Cleanup(ctx, sessionID, nil)
	return o.store.DeleteSession(ctx, ownerID, sessionID)
}

// failSession marks the session failed without touching previously
// committed anchors. Persistence runs on a fresh context so a cancelled
// pipeline context cannot block the status write.
func (o *Orchestrator) failSession(ownerID, sessionID string, cause error) {
	slog.Error("sync failed", "session_id", sessionID, "err", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := domain.SessionError
	msg := trimmedError(cause)
	if _, err := o.store.UpdateSession(ctx, ownerID, sessionID, store.SessionPatch{
		Status:       &status,
		ErrorMessage: &msg,
	}); err != nil {
		slog.Error("persist failure state", "session_id", sessionID, "err", err)
	}
}

// stageAudio makes the audiobook bytes available as a local file inside the
// session working directory and returns the path. The file is removed by
// chunker cleanup together with the rest of the session directory.
func (o *Orchestrator) stageAudio(ctx context.Context, sessionID string, book domain.Audiobook) (string, error) {
	dir := filepath.Join(o.workDir, "chunks_"+sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	ext := filepath.Ext(book.OriginalFilename)
	if ext == "" && book.Format != "" {
		ext = "." + book.Format
	}
	local := filepath.Join(dir, "source"+ext)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	rc, err := o.blobs.Get(ctx, book.StorageKey)
	if err != nil {
		return "", fmt.Errorf("fetch audio blob: %w", err)
	}
	defer rc.Close()
	out, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create staged audio: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		_ = os.Remove(local)
		return "", fmt.Errorf("stage audio: %w", err)
	}
	return local, nil
}

func (o *Orchestrator) clearAdvanceFlag(sessionID string) {
	o.mu.Lock()
	delete(o.advancePending, sessionID)
	o.mu.Unlock()
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// chunkLocalPath returns a local file path for a chunk, downloading it from
// the blob store when necessary. The second return value removes the
// downloaded copy; it is a no-op for chunks already on disk.
func (o *Orchestrator) chunkLocalPath(ctx context.Context, sessionID string, index int, chunk audio.Chunk) (string, func(), error) {
	if !chunk.InBlobStore {
		return chunk.Path, func() {}, nil
	}
	rc, err := o.blobs.Get(ctx, chunk.Key)
	if err != nil {
		return "", nil, fmt.Errorf("fetch chunk blob: %w", err)
	}
	defer rc.Close()
	dir := filepath.Join(o.workDir, "chunks_"+sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create session dir: %w", err)
	}
	local := filepath.Join(dir, fmt.Sprintf("fetch_%d%s", index, filepath.Ext(chunk.Key)))
	out, err := os.Create(local)
	if err != nil {
		return "", nil, fmt.Errorf("create chunk file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		_ = os.Remove(local)
		return "", nil, fmt.Errorf("download chunk: %w", err)
	}
	out.Close()
	return local, func() { _ = os.Remove(local) }, nil
}

// wordsToSeconds converts a word count to an audio duration using the
// configured narration-rate heuristic.
func (o *Orchestrator) wordsToSeconds(words int) float64 {
	wpm := o.cfg.NarrationRateWpm
	if wpm <= 0 {
		wpm = 150
	}
	return float64(words) / float64(wpm) * 60
}

func (o *Orchestrator) selectOptions() align.SelectOptions {
	return align.SelectOptions{
		MinGapSec:        o.cfg.AnchorMinGapSec,
		MinGapChars:      o.cfg.AnchorMinGapChars,
		MergeWindowSec:   o.cfg.AnchorMergeWindowSec,
		MergeWindowChars: o.cfg.AnchorMergeWindowChars,
	}
}

// trimmedError keeps persisted error strings short enough for UI display.
func trimmedError(err error) string {
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

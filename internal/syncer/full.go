package syncer

import (
	"context"
	"fmt"

	"readalong/internal/align"
	"readalong/internal/audio"
	"readalong/internal/transcribe"
	"readalong/pkg/domain"
	"readalong/pkg/store"
)

// runFull executes the whole-book pipeline: stage audio, split into
// provider-sized chunks, transcribe sequentially, align everything at once,
// and commit the final anchor set. Temporary files and blob-store chunks are
// released on every exit path.
func (o *Orchestrator) runFull(ctx context.Context, sess domain.SyncSession) error {
	if err := o.setStep(ctx, sess, domain.SessionProcessing, domain.StepExtracting, 10); err != nil {
		return err
	}

	book, err := o.store.GetBook(ctx, sess.OwnerID, sess.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	audiobook, err := o.store.GetAudiobook(ctx, sess.OwnerID, sess.AudioID)
	if err != nil {
		return fmt.Errorf("load audiobook: %w", err)
	}

	if err := o.setStep(ctx, sess, domain.SessionProcessing, domain.StepSegmenting, 20); err != nil {
		return err
	}
	sourcePath, err := o.stageAudio(ctx, sess.ID, audiobook)
	if err != nil {
		return err
	}
	defer o.chunker.Cleanup(context.WithoutCancel(ctx), sess.ID, nil)

	if err := o.setStep(ctx, sess, domain.SessionProcessing, domain.StepTranscribing, 30); err != nil {
		return err
	}
	totalChunks := 0
	chunks, err := o.chunker.Split(ctx, audio.SplitOptions{
		SourcePath:   sourcePath,
		SessionID:    sess.ID,
		UseBlobStore: o.blobs != nil,
		OnPlan: func(n int) {
			totalChunks = n
			zero := 0
			_, _ = o.store.UpdateSession(ctx, sess.OwnerID, sess.ID, store.SessionPatch{
				TotalChunks:  &n,
				CurrentChunk: &zero,
			})
		},
	})
	if err != nil {
		return err
	}
	defer o.chunker.Cleanup(context.WithoutCancel(ctx), sess.ID, chunks)
	if totalChunks == 0 {
		totalChunks = len(chunks)
	}

	// Chunks are transcribed sequentially: provider rate limits dominate,
	// so in-session concurrency buys nothing.
	var fragments []align.Fragment
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		local, release, err := o.chunkLocalPath(ctx, sess.ID, i, chunk)
		if err != nil {
			return err
		}
		result, err := o.stt.Transcribe(ctx, local)
		release()
		if err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, totalChunks, err)
		}
		if len(result.Segments) == 0 {
			return fmt.Errorf("chunk %d/%d returned no segments: %w", i+1, totalChunks, domain.ErrTranscriptionFailed)
		}
		fragments = append(fragments, shiftFragments(result, chunk.StartTime)...)

		done := i + 1
		progress := 35 + 35*done/totalChunks
		if _, err := o.store.UpdateSession(ctx, sess.OwnerID, sess.ID, store.SessionPatch{
			CurrentChunk: &done,
			Progress:     &progress,
		}); err != nil {
			return err
		}
	}

	if err := o.setStep(ctx, sess, domain.SessionProcessing, domain.StepMatching, 75); err != nil {
		return err
	}
	raw := align.Match(book.PlainText, fragments, o.cfg.AnchorConfidenceFloor)
	anchors := align.Select(raw, audiobook.DurationSec, len(book.PlainText), o.selectOptions())

	complete := domain.SessionComplete
	stepComplete := domain.StepComplete
	hundred := 100
	wm := align.NewWordMap(book.PlainText)
	total := wm.TotalWords()
	_, err = o.store.UpdateSession(ctx, sess.OwnerID, sess.ID, store.SessionPatch{
		Status:         &complete,
		CurrentStep:    &stepComplete,
		Progress:       &hundred,
		SyncAnchors:    anchors,
		SyncedUpToWord: &total,
	})
	return err
}

// shiftFragments converts provider segments to aligner fragments, shifting
// each timestamp by the chunk's start offset within the whole audiobook.
func shiftFragments(t transcribe.Transcription, startTime float64) []align.Fragment {
	fragments := make([]align.Fragment, 0, len(t.Segments))
	for _, seg := range t.Segments {
		fragments = append(fragments, align.Fragment{
			Text:      seg.Text,
			Timestamp: seg.Start + startTime,
		})
	}
	return fragments
}

func (o *Orchestrator) setStep(ctx context.Context, sess domain.SyncSession, status domain.SessionStatus, step domain.SyncStep, progress int) error {
	_, err := o.store.UpdateSession(ctx, sess.OwnerID, sess.ID, store.SessionPatch{
		Status:      &status,
		CurrentStep: &step,
		Progress:    &progress,
	})
	return err
}

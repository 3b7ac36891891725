package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"readalong/internal/align"
	"readalong/pkg/domain"
	"readalong/pkg/store"
)

// runProgressive starts a progressive session: run the initial alignment
// probe, seed the anchor set, and sync a small first chunk so the reader can
// start within seconds.
func (o *Orchestrator) runProgressive(ctx context.Context, sess domain.SyncSession) error {
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
	sourcePath, err := o.stageAudio(ctx, sess.ID, audiobook)
	if err != nil {
		return err
	}

	seed, err := o.initialAlignment(ctx, sess, book, sourcePath)
	if err != nil {
		return err
	}
	if _, err := o.store.UpdateSession(ctx, sess.OwnerID, sess.ID, store.SessionPatch{
		SyncAnchors: []domain.SyncAnchor{seed},
	}); err != nil {
		return err
	}

	wm := align.NewWordMap(book.PlainText)
	startWord := wm.WordAt(seed.CharIndex)

	// The first real chunk is deliberately small to minimise perceived
	// start latency; auto-advance grows from there.
	firstWords := o.cfg.ProgressiveFirstChunkWords
	if firstWords <= 0 {
		firstWords = 75
	}
	audioStart := seed.AudioTime
	if _, err := o.SyncWordChunk(ctx, sess.OwnerID, sess.ID, startWord, firstWords, &audioStart); err != nil {
		return err
	}
	return nil
}

// initialAlignment transcribes the opening of the audio and fuzzy-matches
// each segment independently against a wide book prefix. This absorbs
// narrator intros and publisher front matter that have no counterpart in
// the text. When nothing matches above the confidence floor it falls back
// to the (0,0) anchor.
func (o *Orchestrator) initialAlignment(ctx context.Context, sess domain.SyncSession, book domain.Book, sourcePath string) (domain.SyncAnchor, error) {
	probePath, err := o.chunker.ExtractRange(ctx, sess.ID, sourcePath, 0, float64(o.cfg.InitialAlignmentProbeSec), "probe")
	if err != nil {
		return domain.SyncAnchor{}, fmt.Errorf("extract probe: %w", err)
	}
	defer os.Remove(probePath)

	result, err := o.stt.Transcribe(ctx, probePath)
	if err != nil {
		return domain.SyncAnchor{}, fmt.Errorf("transcribe probe: %w", err)
	}

	wm := align.NewWordMap(book.PlainText)
	searchWords := o.cfg.InitialAlignmentSearchWords
	_, searchEnd := wm.SliceBounds(0, searchWords)
	searchText := book.PlainText[:searchEnd]

	best := domain.SyncAnchor{AudioTime: 0, CharIndex: 0, Confidence: 0}
	found := false
	for _, seg := range result.Segments {
		anchors := align.Match(searchText, []align.Fragment{{Text: seg.Text, Timestamp: seg.Start}}, o.cfg.AnchorConfidenceFloor)
		for _, a := range anchors {
			if a.Confidence > best.Confidence {
				best = a
				found = true
			}
		}
	}
	if !found {
		slog.Warn("initial alignment probe found no match, falling back to origin",
			"session_id", sess.ID, "segments", len(result.Segments))
		return domain.SyncAnchor{AudioTime: 0, CharIndex: 0, Confidence: 1}, nil
	}
	slog.Info("initial alignment probe matched",
		"session_id", sess.ID, "audio_time", best.AudioTime, "char_index", best.CharIndex,
		"confidence", best.Confidence)
	return best, nil
}

// SyncWordChunk extracts, transcribes, and aligns the audio corresponding to
// words [wordStart, wordStart+wordCount) and merges the resulting anchors
// into the session. It reports false without mutation when the session is
// paused or the range is empty. Temporary files are released on every exit
// path.
func (o *Orchestrator) SyncWordChunk(ctx context.Context, ownerID, sessionID string, wordStart, wordCount int, knownAudioStart *float64) (bool, error) {
	sess, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status == domain.SessionPaused {
		return false, nil
	}

	book, err := o.store.GetBook(ctx, ownerID, sess.BookID)
	if err != nil {
		return false, fmt.Errorf("load book: %w", err)
	}
	audiobook, err := o.store.GetAudiobook(ctx, ownerID, sess.AudioID)
	if err != nil {
		return false, fmt.Errorf("load audiobook: %w", err)
	}

	wm := align.NewWordMap(book.PlainText)
	total := wm.TotalWords()
	if wordStart < 0 {
		wordStart = 0
	}
	if wordStart >= total {
		return false, nil
	}
	wordEnd := wordStart + wordCount
	if wordEnd > total {
		wordEnd = total
	}
	if wordEnd <= wordStart {
		return false, nil
	}

	// Extend the text slice by the overlap so the aligner has context at
	// chunk boundaries.
	overlap := o.cfg.ProgressiveOverlapWords
	extStart, extEnd := wm.SliceBounds(wordStart-overlap, wordEnd+overlap)
	slice := book.PlainText[extStart:extEnd]

	var audioStart float64
	if knownAudioStart != nil {
		audioStart = *knownAudioStart
	} else {
		audioStart = o.wordsToSeconds(wordStart)
	}
	audioDur := o.wordsToSeconds(wordEnd - wordStart)
	if audiobook.DurationSec > 0 && audioStart+audioDur > audiobook.DurationSec {
		audioDur = audiobook.DurationSec - audioStart
	}
	if audioDur <= 0 {
		return false, nil
	}

	sourcePath, err := o.stageAudio(ctx, sessionID, audiobook)
	if err != nil {
		return false, err
	}
	tag := fmt.Sprintf("wordchunk_%d", wordStart)
	chunkPath, err := o.chunker.ExtractRange(ctx, sessionID, sourcePath, audioStart, audioDur, tag)
	if err != nil {
		return false, err
	}
	defer os.Remove(chunkPath)

	result, err := o.stt.Transcribe(ctx, chunkPath)
	if err != nil {
		return false, err
	}

	fragments := make([]align.Fragment, 0, len(result.Segments))
	for _, seg := range result.Segments {
		fragments = append(fragments, align.Fragment{Text: seg.Text, Timestamp: seg.Start + audioStart})
	}
	matched := align.Match(slice, fragments, o.cfg.AnchorConfidenceFloor)
	// Translate slice-local offsets back to global text coordinates.
	for i := range matched {
		matched[i].CharIndex += extStart
	}

	merged := align.Merge(sess.SyncAnchors, matched, o.selectOptions())

	patch := store.SessionPatch{SyncAnchors: merged}
	if wordEnd > sess.SyncedUpToWord {
		patch.SyncedUpToWord = &wordEnd
		progress := 0
		if total > 0 {
			progress = 100 * wordEnd / total
		}
		patch.Progress = &progress
		if wordEnd >= total {
			complete := domain.SessionComplete
			stepComplete := domain.StepComplete
			hundred := 100
			patch.Status = &complete
			patch.CurrentStep = &stepComplete
			patch.Progress = &hundred
		}
	}
	if _, err := o.store.UpdateSession(ctx, ownerID, sessionID, patch); err != nil {
		return false, err
	}
	if len(matched) == 0 {
		slog.Warn("word chunk produced no anchors",
			"session_id", sessionID, "word_start", wordStart, "word_end", wordEnd)
	}
	return true, nil
}

// ReportPosition records the reader's playback position and, for
// progressive sessions, schedules the next chunk when the reader approaches
// the synced frontier. At most one advance is in flight per session; the
// pending flag resets only when the frontier actually grows.
func (o *Orchestrator) ReportPosition(ctx context.Context, ownerID, sessionID string, positionSec float64, durationSec float64, progressVersion *int64) (domain.SyncSession, error) {
	sess, err := o.Checkpoint(ctx, ownerID, sessionID, positionSec, durationSec, progressVersion)
	if err != nil {
		return domain.SyncSession{}, err
	}
	if sess.SyncMode != domain.ModeProgressive || sess.Status != domain.SessionProcessing {
		return sess, nil
	}

	book, err := o.store.GetBook(ctx, ownerID, sess.BookID)
	if err != nil {
		return sess, err
	}
	wm := align.NewWordMap(book.PlainText)
	curve := align.NewCurve(sess.SyncAnchors)
	currentWord := wm.WordAt(curve.PositionAt(positionSec))

	if currentWord < sess.SyncedUpToWord-o.cfg.AdvanceThresholdWords {
		return sess, nil
	}

	o.mu.Lock()
	if o.advancePending[sessionID] {
		o.mu.Unlock()
		return sess, nil
	}
	o.advancePending[sessionID] = true
	o.mu.Unlock()

	before := sess.SyncedUpToWord
	_, err, _ = o.advance.Do(sessionID, func() (any, error) {
		ok, err := o.SyncWordChunk(ctx, ownerID, sessionID, before, sess.WordChunkSize, nil)
		return ok, err
	})
	if err != nil {
		if !isCancel(err) {
			o.failSession(ownerID, sessionID, err)
		}
		return sess, err
	}

	after, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return sess, err
	}
	if after.SyncedUpToWord > before {
		o.clearAdvanceFlag(sessionID)
	}
	return after, nil
}

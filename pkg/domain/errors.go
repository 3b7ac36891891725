package domain

import "errors"

// Sentinel errors shared across the sync core. Components wrap these with
// fmt.Errorf("...: %w", err) so callers can branch with errors.Is.
var (
	// ErrUnauthorized means an ownership check failed. Surfaced verbatim.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means a record was missing at time of use.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArchive means the book archive has no readable manifest.
	ErrInvalidArchive = errors.New("invalid book archive")

	// ErrChunkTooLarge means a produced audio segment exceeded the
	// configured chunk byte target (chunkTargetBytes, which is kept at or
	// below the transcription provider's byte limit). This is a programming
	// error in the segmentation math, not a recoverable runtime condition.
	ErrChunkTooLarge = errors.New("audio chunk exceeds provider size limit")

	// ErrTranscriptionFailed means the provider returned a non-2xx status
	// or a malformed body.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrAlignmentEmpty means the aligner produced no anchors above the
	// confidence floor.
	ErrAlignmentEmpty = errors.New("no alignment anchors found")
)

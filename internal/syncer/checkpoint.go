package syncer

import (
	"context"
	"fmt"
	"time"

	"readalong/pkg/domain"
	"readalong/pkg/store"
)

// Checkpoint persists a playback position report. Positions are rejected
// when negative or beyond the supplied duration. Reports arriving faster
// than the debounce window are ignored unless they carry a newer
// progressVersion; an explicit version greater than the stored one replaces
// it, a stale one leaves the stored version in place while the position
// still updates.
func (o *Orchestrator) Checkpoint(ctx context.Context, ownerID, sessionID string, positionSec, durationSec float64, progressVersion *int64) (domain.SyncSession, error) {
	if positionSec < 0 {
		return domain.SyncSession{}, fmt.Errorf("invalid playback position %v", positionSec)
	}
	if durationSec > 0 && positionSec > durationSec {
		return domain.SyncSession{}, fmt.Errorf("playback position %v beyond duration %v", positionSec, durationSec)
	}

	sess, err := o.store.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return domain.SyncSession{}, err
	}

	now := time.Now().UTC()
	debounce := time.Duration(o.cfg.ProgressDebounceMs) * time.Millisecond
	newerVersion := progressVersion != nil && *progressVersion > sess.ProgressVersion
	if debounce > 0 && now.Sub(sess.PlaybackUpdatedAt) < debounce && !newerVersion {
		return sess, nil
	}

	patch := store.SessionPatch{
		PlaybackPosition:  &positionSec,
		PlaybackUpdatedAt: &now,
		ProgressVersion:   progressVersion,
	}
	if durationSec > 0 {
		progress := 100 * positionSec / durationSec
		patch.PlaybackProgress = &progress
	}
	return o.store.UpdateSession(ctx, ownerID, sessionID, patch)
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"readalong/pkg/domain"
)

func newBook(id, owner, hash string) domain.Book {
	now := time.Now().UTC()
	return domain.Book{
		ID:          id,
		OwnerID:     owner,
		Title:       "A Book",
		ContentHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newSession(id, owner, bookID, audioID string) domain.SyncSession {
	now := time.Now().UTC()
	return domain.SyncSession{
		ID:        id,
		OwnerID:   owner,
		BookID:    bookID,
		AudioID:   audioID,
		Status:    domain.SessionPending,
		SyncMode:  domain.ModeProgressive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateBookDeduplicatesOnOwnerHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.CreateBook(ctx, newBook("b1", "alice", "hash-1"))
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	second, err := s.CreateBook(ctx, newBook("b2", "alice", "hash-1"))
	if err != nil {
		t.Fatalf("CreateBook duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate upload created a new record: got %q want %q", second.ID, first.ID)
	}

	// Same hash, different owner, is a separate record.
	other, err := s.CreateBook(ctx, newBook("b3", "bob", "hash-1"))
	if err != nil {
		t.Fatalf("CreateBook other owner: %v", err)
	}
	if other.ID != "b3" {
		t.Fatalf("cross-owner dedup must not happen, got id %q", other.ID)
	}
}

func TestOwnershipChecks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateBook(ctx, newBook("b1", "alice", "h")); err != nil {
		t.Fatalf("CreateBook: %v", err)
	}

	if _, err := s.GetBook(ctx, "mallory", "b1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("GetBook wrong owner: err = %v, want ErrUnauthorized", err)
	}
	if err := s.DeleteBook(ctx, "mallory", "b1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("DeleteBook wrong owner: err = %v, want ErrUnauthorized", err)
	}
	if _, err := s.GetBook(ctx, "alice", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetBook missing: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteBookCascadesSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateBook(ctx, newBook("b1", "alice", "h")); err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	if _, err := s.CreateSession(ctx, newSession("s1", "alice", "b1", "a1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.DeleteBook(ctx, "alice", "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if _, err := s.GetSession(ctx, "alice", "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session survived book delete: err = %v", err)
	}
}

func TestCreateSessionReturnsExistingPair(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, err := s.CreateSession(ctx, newSession("s1", "alice", "b1", "a1"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	dup, err := s.CreateSession(ctx, newSession("s2", "alice", "b1", "a1"))
	if err != nil {
		t.Fatalf("CreateSession dup: %v", err)
	}
	if dup.ID != first.ID {
		t.Fatalf("pair uniqueness violated: got %q want %q", dup.ID, first.ID)
	}
}

func TestUpdateSessionProgressVersionMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateSession(ctx, newSession("s1", "alice", "b1", "a1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	v5 := int64(5)
	got, err := s.UpdateSession(ctx, "alice", "s1", SessionPatch{ProgressVersion: &v5})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if got.ProgressVersion != 5 {
		t.Fatalf("ProgressVersion = %d, want 5", got.ProgressVersion)
	}

	// A stale version may still update other fields but never lowers the
	// stored version.
	v3 := int64(3)
	pos := 42.0
	got, err = s.UpdateSession(ctx, "alice", "s1", SessionPatch{ProgressVersion: &v3, PlaybackPosition: &pos})
	if err != nil {
		t.Fatalf("UpdateSession stale: %v", err)
	}
	if got.ProgressVersion != 5 {
		t.Fatalf("ProgressVersion decreased to %d", got.ProgressVersion)
	}
	if got.PlaybackPosition != 42.0 {
		t.Fatalf("PlaybackPosition = %v, want 42", got.PlaybackPosition)
	}
}

func TestUpdateSessionRefreshesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession("s1", "alice", "b1", "a1")
	sess.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if _, err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	p := 50
	got, err := s.UpdateSession(ctx, "alice", "s1", SessionPatch{Progress: &p})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if time.Since(got.UpdatedAt) > time.Minute {
		t.Fatalf("UpdatedAt not refreshed: %v", got.UpdatedAt)
	}
}

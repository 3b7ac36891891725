package store

import (
	"context"
	"time"

	"readalong/pkg/domain"
)

// Store defines persistence operations for books, audiobooks, and sync
// sessions. Every operation that addresses one record by ID verifies that
// the record belongs to the given owner and returns domain.ErrUnauthorized
// otherwise; a missing record yields domain.ErrNotFound. Find* lookups
// report a miss through their bool result, and the list and bulk-delete
// operations act only on the owner's records without returning either
// error.
type Store interface {
	// books
	CreateBook(ctx context.Context, b domain.Book) (domain.Book, error)
	FindBookByHash(ctx context.Context, ownerID, contentHash string) (domain.Book, bool, error)
	GetBook(ctx context.Context, ownerID, id string) (domain.Book, error)
	UpdateBook(ctx context.Context, ownerID, id string, patch BookPatch) error
	DeleteBook(ctx context.Context, ownerID, id string) error
	ListBooksByOwner(ctx context.Context, ownerID string) ([]domain.Book, error)

	// audiobooks
	CreateAudiobook(ctx context.Context, a domain.Audiobook) (domain.Audiobook, error)
	FindAudiobookByHash(ctx context.Context, ownerID, contentHash string) (domain.Audiobook, bool, error)
	GetAudiobook(ctx context.Context, ownerID, id string) (domain.Audiobook, error)
	UpdateAudiobook(ctx context.Context, ownerID, id string, patch AudiobookPatch) error
	DeleteAudiobook(ctx context.Context, ownerID, id string) error
	ListAudiobooksByOwner(ctx context.Context, ownerID string) ([]domain.Audiobook, error)

	// sync sessions
	CreateSession(ctx context.Context, s domain.SyncSession) (domain.SyncSession, error)
	GetSession(ctx context.Context, ownerID, id string) (domain.SyncSession, error)
	UpdateSession(ctx context.Context, ownerID, id string, patch SessionPatch) (domain.SyncSession, error)
	FindSessionByPair(ctx context.Context, ownerID, bookID, audioID string) (domain.SyncSession, bool, error)
	ListSessionsByOwner(ctx context.Context, ownerID string) ([]domain.SyncSession, error)
	DeleteSession(ctx context.Context, ownerID, id string) error
	DeleteSessionsByBook(ctx context.Context, ownerID, bookID string) error
	DeleteSessionsByAudiobook(ctx context.Context, ownerID, audioID string) error
}

// BookPatch selects book fields to update. Nil fields are left untouched.
// Plain text is immutable after creation, so only the annotated form and
// display metadata can change.
type BookPatch struct {
	Title             *string
	Author            *string
	AnnotatedChapters []domain.AnnotatedChapter
}

// AudiobookPatch selects audiobook fields to update.
type AudiobookPatch struct {
	Title       *string
	DurationSec *float64
}

// SessionPatch selects sync-session fields to update. UpdateSession applies
// the whole patch as one atomic row update and always refreshes updatedAt.
//
// ProgressVersion is monotone: a patch carrying a value lower than or equal
// to the stored one keeps the stored version while the rest of the patch
// still applies.
type SessionPatch struct {
	Status            *domain.SessionStatus
	CurrentStep       *domain.SyncStep
	Progress          *int
	SyncedUpToWord    *int
	TotalChunks       *int
	CurrentChunk      *int
	SyncAnchors       []domain.SyncAnchor
	ProgressVersion   *int64
	PlaybackPosition  *float64
	PlaybackProgress  *float64
	PlaybackUpdatedAt *time.Time
	ErrorMessage      *string
}

package store

import (
	"context"
	"sync"
	"time"

	"readalong/pkg/domain"
)

// MemoryStore keeps records in-process. It backs tests and single-node dev
// setups and satisfies the same ownership and atomicity contract as the
// Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	books    map[string]domain.Book
	audio    map[string]domain.Audiobook
	sessions map[string]domain.SyncSession
	order    []string // book/audiobook/session IDs in insertion order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[string]domain.Book),
		audio:    make(map[string]domain.Audiobook),
		sessions: make(map[string]domain.SyncSession),
	}
}

func (m *MemoryStore) CreateBook(_ context.Context, b domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.books {
		if existing.OwnerID == b.OwnerID && existing.ContentHash == b.ContentHash {
			return existing, nil
		}
	}
	m.books[b.ID] = b
	m.order = append(m.order, b.ID)
	return b, nil
}

func (m *MemoryStore) FindBookByHash(_ context.Context, ownerID, contentHash string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.books {
		if b.OwnerID == ownerID && b.ContentHash == contentHash {
			return b, true, nil
		}
	}
	return domain.Book{}, false, nil
}

func (m *MemoryStore) GetBook(_ context.Context, ownerID, id string) (domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	if b.OwnerID != ownerID {
		return domain.Book{}, domain.ErrUnauthorized
	}
	return b, nil
}

func (m *MemoryStore) UpdateBook(_ context.Context, ownerID, id string, patch BookPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return domain.ErrNotFound
	}
	if b.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Author != nil {
		b.Author = *patch.Author
	}
	if patch.AnnotatedChapters != nil {
		b.AnnotatedChapters = patch.AnnotatedChapters
	}
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

func (m *MemoryStore) DeleteBook(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return domain.ErrNotFound
	}
	if b.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	delete(m.books, id)
	for sid, sess := range m.sessions {
		if sess.BookID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

func (m *MemoryStore) ListBooksByOwner(_ context.Context, ownerID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var books []domain.Book
	for _, id := range m.order {
		if b, ok := m.books[id]; ok && b.OwnerID == ownerID {
			books = append(books, b)
		}
	}
	return books, nil
}

func (m *MemoryStore) CreateAudiobook(_ context.Context, a domain.Audiobook) (domain.Audiobook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.audio {
		if existing.OwnerID == a.OwnerID && existing.ContentHash == a.ContentHash {
			return existing, nil
		}
	}
	m.audio[a.ID] = a
	m.order = append(m.order, a.ID)
	return a, nil
}

func (m *MemoryStore) FindAudiobookByHash(_ context.Context, ownerID, contentHash string) (domain.Audiobook, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.audio {
		if a.OwnerID == ownerID && a.ContentHash == contentHash {
			return a, true, nil
		}
	}
	return domain.Audiobook{}, false, nil
}

func (m *MemoryStore) GetAudiobook(_ context.Context, ownerID, id string) (domain.Audiobook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.audio[id]
	if !ok {
		return domain.Audiobook{}, domain.ErrNotFound
	}
	if a.OwnerID != ownerID {
		return domain.Audiobook{}, domain.ErrUnauthorized
	}
	return a, nil
}

func (m *MemoryStore) UpdateAudiobook(_ context.Context, ownerID, id string, patch AudiobookPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.audio[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	if patch.Title != nil {
		a.Title = *patch.Title
	}
	if patch.DurationSec != nil {
		a.DurationSec = *patch.DurationSec
	}
	a.UpdatedAt = time.Now().UTC()
	m.audio[id] = a
	return nil
}

func (m *MemoryStore) DeleteAudiobook(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.audio[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	delete(m.audio, id)
	for sid, sess := range m.sessions {
		if sess.AudioID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

func (m *MemoryStore) ListAudiobooksByOwner(_ context.Context, ownerID string) ([]domain.Audiobook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.Audiobook
	for _, id := range m.order {
		if a, ok := m.audio[id]; ok && a.OwnerID == ownerID {
			items = append(items, a)
		}
	}
	return items, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s domain.SyncSession) (domain.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.OwnerID == s.OwnerID && existing.BookID == s.BookID && existing.AudioID == s.AudioID {
			return existing, nil
		}
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	return s, nil
}

func (m *MemoryStore) GetSession(_ context.Context, ownerID, id string) (domain.SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.SyncSession{}, domain.ErrNotFound
	}
	if s.OwnerID != ownerID {
		return domain.SyncSession{}, domain.ErrUnauthorized
	}
	return s, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, ownerID, id string, patch SessionPatch) (domain.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.SyncSession{}, domain.ErrNotFound
	}
	if s.OwnerID != ownerID {
		return domain.SyncSession{}, domain.ErrUnauthorized
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.CurrentStep != nil {
		s.CurrentStep = *patch.CurrentStep
	}
	if patch.Progress != nil {
		s.Progress = *patch.Progress
	}
	if patch.SyncedUpToWord != nil {
		s.SyncedUpToWord = *patch.SyncedUpToWord
	}
	if patch.TotalChunks != nil {
		s.TotalChunks = *patch.TotalChunks
	}
	if patch.CurrentChunk != nil {
		s.CurrentChunk = *patch.CurrentChunk
	}
	if patch.SyncAnchors != nil {
		s.SyncAnchors = patch.SyncAnchors
	}
	if patch.ProgressVersion != nil && *patch.ProgressVersion > s.ProgressVersion {
		s.ProgressVersion = *patch.ProgressVersion
	}
	if patch.PlaybackPosition != nil {
		s.PlaybackPosition = *patch.PlaybackPosition
	}
	if patch.PlaybackProgress != nil {
		s.PlaybackProgress = *patch.PlaybackProgress
	}
	if patch.PlaybackUpdatedAt != nil {
		s.PlaybackUpdatedAt = patch.PlaybackUpdatedAt.UTC()
	}
	if patch.ErrorMessage != nil {
		s.ErrorMessage = *patch.ErrorMessage
	}
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) FindSessionByPair(_ context.Context, ownerID, bookID, audioID string) (domain.SyncSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && s.BookID == bookID && s.AudioID == audioID {
			return s, true, nil
		}
	}
	return domain.SyncSession{}, false, nil
}

func (m *MemoryStore) ListSessionsByOwner(_ context.Context, ownerID string) ([]domain.SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []domain.SyncSession
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok && s.OwnerID == ownerID {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.OwnerID != ownerID {
		return domain.ErrUnauthorized
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteSessionsByBook(_ context.Context, ownerID, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.OwnerID == ownerID && s.BookID == bookID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteSessionsByAudiobook(_ context.Context, ownerID, audioID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.OwnerID == ownerID && s.AudioID == audioID {
			delete(m.sessions, id)
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"readalong/pkg/domain"
)

const migrateLockID int64 = 82418241

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &AudiobookModel{}, &SyncSessionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateBook inserts a book unless the owner already has one with the same
// content hash, in which case the existing record is returned untouched.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	if existing, ok, err := s.FindBookByHash(ctx, b.OwnerID, b.ContentHash); err != nil {
		return domain.Book{}, err
	} else if ok {
		return existing, nil
	}
	model := bookToModel(b)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "content_hash"}},
		DoNothing: true,
	}).Create(&model).Error
	if err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	// A concurrent insert may have won the conflict clause; the hash lookup
	// settles which row is canonical either way.
	existing, ok, err := s.FindBookByHash(ctx, b.OwnerID, b.ContentHash)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, fmt.Errorf("create book: %w", domain.ErrNotFound)
	}
	return existing, nil
}

func (s *GormStore) FindBookByHash(ctx context.Context, ownerID, contentHash string) (domain.Book, bool, error) {
	var model BookModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND content_hash = ?", ownerID, contentHash).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (s *GormStore) GetBook(ctx context.Context, ownerID, id string) (domain.Book, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, domain.ErrNotFound
		}
		return domain.Book{}, err
	}
	if model.OwnerID != ownerID {
		return domain.Book{}, domain.ErrUnauthorized
	}
	return bookFromModel(model), nil
}

func (s *GormStore) UpdateBook(ctx context.Context, ownerID, id string, patch BookPatch) error {
	if _, err := s.GetBook(ctx, ownerID, id); err != nil {
		return err
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Author != nil {
		updates["author"] = *patch.Author
	}
	if patch.AnnotatedChapters != nil {
		raw, err := json.Marshal(patch.AnnotatedChapters)
		if err != nil {
			return fmt.Errorf("encode annotated chapters: %w", err)
		}
		updates["annotated_chapters"] = raw
	}
	return s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteBook removes the book and cascades to every sync session that
// references it.
func (s *GormStore) DeleteBook(ctx context.Context, ownerID, id string) error {
	if _, err := s.GetBook(ctx, ownerID, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SyncSessionModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

func (s *GormStore) ListBooksByOwner(ctx context.Context, ownerID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

func (s *GormStore) CreateAudiobook(ctx context.Context, a domain.Audiobook) (domain.Audiobook, error) {
	if existing, ok, err := s.FindAudiobookByHash(ctx, a.OwnerID, a.ContentHash); err != nil {
		return domain.Audiobook{}, err
	} else if ok {
		return existing, nil
	}
	model := audiobookToModel(a)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "content_hash"}},
		DoNothing: true,
	}).Create(&model).Error
	if err != nil {
		return domain.Audiobook{}, fmt.Errorf("create audiobook: %w", err)
	}
	existing, ok, err := s.FindAudiobookByHash(ctx, a.OwnerID, a.ContentHash)
	if err != nil {
		return domain.Audiobook{}, err
	}
	if !ok {
		return domain.Audiobook{}, fmt.Errorf("create audiobook: %w", domain.ErrNotFound)
	}
	return existing, nil
}

func (s *GormStore) FindAudiobookByHash(ctx context.Context, ownerID, contentHash string) (domain.Audiobook, bool, error) {
	var model AudiobookModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND content_hash = ?", ownerID, contentHash).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Audiobook{}, false, nil
		}
		return domain.Audiobook{}, false, err
	}
	return audiobookFromModel(model), true, nil
}

func (s *GormStore) GetAudiobook(ctx context.Context, ownerID, id string) (domain.Audiobook, error) {
	var model AudiobookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Audiobook{}, domain.ErrNotFound
		}
		return domain.Audiobook{}, err
	}
	if model.OwnerID != ownerID {
		return domain.Audiobook{}, domain.ErrUnauthorized
	}
	return audiobookFromModel(model), nil
}

func (s *GormStore) UpdateAudiobook(ctx context.Context, ownerID, id string, patch AudiobookPatch) error {
	if _, err := s.GetAudiobook(ctx, ownerID, id); err != nil {
		return err
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.DurationSec != nil {
		updates["duration_sec"] = *patch.DurationSec
	}
	return s.db.WithContext(ctx).Model(&AudiobookModel{}).Where("id = ?", id).Updates(updates).Error
}

func (s *GormStore) DeleteAudiobook(ctx context.Context, ownerID, id string) error {
	if _, err := s.GetAudiobook(ctx, ownerID, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SyncSessionModel{}, "audio_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&AudiobookModel{}, "id = ?", id).Error
	})
}

func (s *GormStore) ListAudiobooksByOwner(ctx context.Context, ownerID string) ([]domain.Audiobook, error) {
	var models []AudiobookModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.Audiobook, 0, len(models))
	for _, m := range models {
		books = append(books, audiobookFromModel(m))
	}
	return books, nil
}

func (s *GormStore) CreateSession(ctx context.Context, sess domain.SyncSession) (domain.SyncSession, error) {
	if existing, ok, err := s.FindSessionByPair(ctx, sess.OwnerID, sess.BookID, sess.AudioID); err != nil {
		return domain.SyncSession{}, err
	} else if ok {
		return existing, nil
	}
	model := sessionToModel(sess)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.SyncSession{}, fmt.Errorf("create session: %w", err)
	}
	return sessionFromModel(model), nil
}

func (s *GormStore) GetSession(ctx context.Context, ownerID, id string) (domain.SyncSession, error) {
	var model SyncSessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SyncSession{}, domain.ErrNotFound
		}
		return domain.SyncSession{}, err
	}
	if model.OwnerID != ownerID {
		return domain.SyncSession{}, domain.ErrUnauthorized
	}
	return sessionFromModel(model), nil
}

// UpdateSession applies patch as a single atomic row update and returns the
// resulting session. updatedAt is always refreshed; progressVersion never
// decreases.
func (s *GormStore) UpdateSession(ctx context.Context, ownerID, id string, patch SessionPatch) (domain.SyncSession, error) {
	if _, err := s.GetSession(ctx, ownerID, id); err != nil {
		return domain.SyncSession{}, err
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.CurrentStep != nil {
		updates["current_step"] = string(*patch.CurrentStep)
	}
	if patch.Progress != nil {
		updates["progress"] = *patch.Progress
	}
	if patch.SyncedUpToWord != nil {
		updates["synced_up_to_word"] = *patch.SyncedUpToWord
	}
	if patch.TotalChunks != nil {
		updates["total_chunks"] = *patch.TotalChunks
	}
	if patch.CurrentChunk != nil {
		updates["current_chunk"] = *patch.CurrentChunk
	}
	if patch.SyncAnchors != nil {
		raw, err := json.Marshal(patch.SyncAnchors)
		if err != nil {
			return domain.SyncSession{}, fmt.Errorf("encode anchors: %w", err)
		}
		updates["sync_anchors"] = raw
	}
	if patch.ProgressVersion != nil {
		updates["progress_version"] = gorm.Expr("GREATEST(progress_version, ?)", *patch.ProgressVersion)
	}
	if patch.PlaybackPosition != nil {
		updates["playback_position"] = *patch.PlaybackPosition
	}
	if patch.PlaybackProgress != nil {
		updates["playback_progress"] = *patch.PlaybackProgress
	}
	if patch.PlaybackUpdatedAt != nil {
		updates["playback_updated_at"] = patch.PlaybackUpdatedAt.UTC()
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = *patch.ErrorMessage
	}
	if err := s.db.WithContext(ctx).Model(&SyncSessionModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return domain.SyncSession{}, fmt.Errorf("update session: %w", err)
	}
	return s.GetSession(ctx, ownerID, id)
}

func (s *GormStore) FindSessionByPair(ctx context.Context, ownerID, bookID, audioID string) (domain.SyncSession, bool, error) {
	var model SyncSessionModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND book_id = ? AND audio_id = ?", ownerID, bookID, audioID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SyncSession{}, false, nil
		}
		return domain.SyncSession{}, false, err
	}
	return sessionFromModel(model), true, nil
}

func (s *GormStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]domain.SyncSession, error) {
	var models []SyncSessionModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]domain.SyncSession, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, sessionFromModel(m))
	}
	return sessions, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, ownerID, id string) error {
	if _, err := s.GetSession(ctx, ownerID, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&SyncSessionModel{}, "id = ?", id).Error
}

func (s *GormStore) DeleteSessionsByBook(ctx context.Context, ownerID, bookID string) error {
	return s.db.WithContext(ctx).
		Delete(&SyncSessionModel{}, "owner_id = ? AND book_id = ?", ownerID, bookID).Error
}

func (s *GormStore) DeleteSessionsByAudiobook(ctx context.Context, ownerID, audioID string) error {
	return s.db.WithContext(ctx).
		Delete(&SyncSessionModel{}, "owner_id = ? AND audio_id = ?", ownerID, audioID).Error
}

func bookToModel(b domain.Book) BookModel {
	chapters, _ := json.Marshal(b.Chapters)
	annotated, _ := json.Marshal(b.AnnotatedChapters)
	return BookModel{
		ID:                b.ID,
		OwnerID:           b.OwnerID,
		Title:             b.Title,
		Author:            b.Author,
		OriginalFilename:  b.OriginalFilename,
		PlainText:         b.PlainText,
		Chapters:          chapters,
		AnnotatedChapters: annotated,
		StorageKey:        b.StorageKey,
		ContentHash:       b.ContentHash,
		SizeBytes:         b.SizeBytes,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	var chapters []domain.Chapter
	if len(m.Chapters) > 0 {
		_ = json.Unmarshal(m.Chapters, &chapters)
	}
	var annotated []domain.AnnotatedChapter
	if len(m.AnnotatedChapters) > 0 {
		_ = json.Unmarshal(m.AnnotatedChapters, &annotated)
	}
	return domain.Book{
		ID:                m.ID,
		OwnerID:           m.OwnerID,
		Title:             m.Title,
		Author:            m.Author,
		OriginalFilename:  m.OriginalFilename,
		PlainText:         m.PlainText,
		Chapters:          chapters,
		AnnotatedChapters: annotated,
		StorageKey:        m.StorageKey,
		ContentHash:       m.ContentHash,
		SizeBytes:         m.SizeBytes,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func audiobookToModel(a domain.Audiobook) AudiobookModel {
	return AudiobookModel{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		Title:            a.Title,
		OriginalFilename: a.OriginalFilename,
		DurationSec:      a.DurationSec,
		Format:           a.Format,
		StorageKey:       a.StorageKey,
		ContentHash:      a.ContentHash,
		SizeBytes:        a.SizeBytes,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func audiobookFromModel(m AudiobookModel) domain.Audiobook {
	return domain.Audiobook{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Title:            m.Title,
		OriginalFilename: m.OriginalFilename,
		DurationSec:      m.DurationSec,
		Format:           m.Format,
		StorageKey:       m.StorageKey,
		ContentHash:      m.ContentHash,
		SizeBytes:        m.SizeBytes,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func sessionToModel(s domain.SyncSession) SyncSessionModel {
	anchors, _ := json.Marshal(s.SyncAnchors)
	return SyncSessionModel{
		ID:                s.ID,
		OwnerID:           s.OwnerID,
		BookID:            s.BookID,
		AudioID:           s.AudioID,
		Status:            string(s.Status),
		CurrentStep:       string(s.CurrentStep),
		Progress:          s.Progress,
		SyncMode:          string(s.SyncMode),
		WordChunkSize:     s.WordChunkSize,
		SyncedUpToWord:    s.SyncedUpToWord,
		TotalChunks:       s.TotalChunks,
		CurrentChunk:      s.CurrentChunk,
		SyncAnchors:       anchors,
		ProgressVersion:   s.ProgressVersion,
		PlaybackPosition:  s.PlaybackPosition,
		PlaybackProgress:  s.PlaybackProgress,
		PlaybackUpdatedAt: s.PlaybackUpdatedAt,
		ErrorMessage:      s.ErrorMessage,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func sessionFromModel(m SyncSessionModel) domain.SyncSession {
	var anchors []domain.SyncAnchor
	if len(m.SyncAnchors) > 0 {
		_ = json.Unmarshal(m.SyncAnchors, &anchors)
	}
	return domain.SyncSession{
		ID:                m.ID,
		OwnerID:           m.OwnerID,
		BookID:            m.BookID,
		AudioID:           m.AudioID,
		Status:            domain.SessionStatus(m.Status),
		CurrentStep:       domain.SyncStep(m.CurrentStep),
		Progress:          m.Progress,
		SyncMode:          domain.SyncMode(m.SyncMode),
		WordChunkSize:     m.WordChunkSize,
		SyncedUpToWord:    m.SyncedUpToWord,
		TotalChunks:       m.TotalChunks,
		CurrentChunk:      m.CurrentChunk,
		SyncAnchors:       anchors,
		ProgressVersion:   m.ProgressVersion,
		PlaybackPosition:  m.PlaybackPosition,
		PlaybackProgress:  m.PlaybackProgress,
		PlaybackUpdatedAt: m.PlaybackUpdatedAt,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

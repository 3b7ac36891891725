// Package library manages book and audiobook records: parsing uploads into
// canonical text, content-hash deduplication, blob placement, and cascading
// deletes.
package library

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"readalong/internal/audio"
	"readalong/internal/epub"
	"readalong/internal/util"
	"readalong/pkg/domain"
	"readalong/pkg/storage"
	"readalong/pkg/store"
)

// Service wires book/audiobook persistence with the blob store.
type Service struct {
	store store.Store
	blobs storage.BlobStore
}

// NewService constructs the library service.
func NewService(st store.Store, blobs storage.BlobStore) *Service {
	return &Service{store: st, blobs: blobs}
}

// AddBook parses an uploaded book and stores it. Re-uploading bytes the
// owner already has returns the existing record without writing anything.
// EPUB uploads keep chapter structure and annotated HTML; PDF and plain
// text fall back to chapterless text.
func (s *Service) AddBook(ctx context.Context, ownerID, filename string, data []byte) (domain.Book, error) {
	if filename == "" {
		return domain.Book{}, fmt.Errorf("filename required")
	}
	hash := contentHash(data)
	if existing, ok, err := s.store.FindBookByHash(ctx, ownerID, hash); err != nil {
		return domain.Book{}, err
	} else if ok {
		return existing, nil
	}

	book := domain.Book{
		ID:               util.NewID(),
		OwnerID:          ownerID,
		Title:            titleFromName(filename),
		OriginalFilename: filepath.Base(filename),
		ContentHash:      hash,
		SizeBytes:        int64(len(data)),
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".epub":
		parsed, err := epub.Parse(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return domain.Book{}, err
		}
		if parsed.Title != "" {
			book.Title = parsed.Title
		}
		book.Author = parsed.Author
		book.PlainText = parsed.PlainText
		book.Chapters = parsed.Chapters
		book.AnnotatedChapters = parsed.AnnotatedChapters
	case ".pdf":
		text, err := pdfText(data)
		if err != nil {
			return domain.Book{}, err
		}
		book.PlainText = text
	default:
		book.PlainText = normalizeTextPreserveParagraphs(string(data))
	}

	book.StorageKey = path.Join("books", book.ID, sanitizeFilename(book.OriginalFilename))
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Put(ctx, book.StorageKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return domain.Book{}, fmt.Errorf("save book file: %w", err)
	}
	created, err := s.store.CreateBook(ctx, book)
	if err != nil {
		_ = s.blobs.Delete(ctx, book.StorageKey)
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return created, nil
}

// AddAudiobook stores an uploaded audio file, probing its duration when the
// caller does not supply one. A non-positive duration is rejected.
func (s *Service) AddAudiobook(ctx context.Context, ownerID, filename string, data []byte, durationSec float64) (domain.Audiobook, error) {
	if filename == "" {
		return domain.Audiobook{}, fmt.Errorf("filename required")
	}
	hash := contentHash(data)
	if existing, ok, err := s.store.FindAudiobookByHash(ctx, ownerID, hash); err != nil {
		return domain.Audiobook{}, err
	} else if ok {
		return existing, nil
	}

	if durationSec <= 0 {
		probed, err := probeBytes(ctx, filename, data)
		if err != nil {
			return domain.Audiobook{}, fmt.Errorf("probe audio: %w", err)
		}
		durationSec = probed
	}
	if durationSec <= 0 {
		return domain.Audiobook{}, fmt.Errorf("audio duration must be positive")
	}

	book := domain.Audiobook{
		ID:               util.NewID(),
		OwnerID:          ownerID,
		Title:            titleFromName(filename),
		OriginalFilename: filepath.Base(filename),
		DurationSec:      durationSec,
		Format:           audio.FormatFromFilename(filename),
		ContentHash:      hash,
		SizeBytes:        int64(len(data)),
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	book.StorageKey = path.Join("audiobooks", book.ID, sanitizeFilename(book.OriginalFilename))

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Put(ctx, book.StorageKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return domain.Audiobook{}, fmt.Errorf("save audio file: %w", err)
	}
	created, err := s.store.CreateAudiobook(ctx, book)
	if err != nil {
		_ = s.blobs.Delete(ctx, book.StorageKey)
		return domain.Audiobook{}, fmt.Errorf("save audiobook: %w", err)
	}
	return created, nil
}

// ReparseBook refreshes a book's annotated chapters from the stored archive
// without touching the canonical plain text or chapter offsets.
func (s *Service) ReparseBook(ctx context.Context, ownerID, id string) error {
	book, err := s.store.GetBook(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !strings.EqualFold(filepath.Ext(book.OriginalFilename), ".epub") {
		return nil
	}
	rc, err := s.blobs.Get(ctx, book.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch book blob: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("read book blob: %w", err)
	}
	parsed, err := epub.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	if parsed.PlainText != book.PlainText {
		slog.Warn("reparse produced different plain text, keeping original",
			"book_id", id)
	}
	return s.store.UpdateBook(ctx, ownerID, id, store.BookPatch{
		AnnotatedChapters: parsed.AnnotatedChapters,
	})
}

// DeleteBook removes the record, its blob, and every sync session that
// references it.
func (s *Service) DeleteBook(ctx context.Context, ownerID, id string) error {
	book, err := s.store.GetBook(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBook(ctx, ownerID, id); err != nil {
		return err
	}
	if book.StorageKey != "" {
		if err := s.blobs.Delete(ctx, book.StorageKey); err != nil {
			slog.Warn("delete book blob", "book_id", id, "err", err)
		}
	}
	return nil
}

// DeleteAudiobook removes the record, its blob, and every sync session that
// references it.
func (s *Service) DeleteAudiobook(ctx context.Context, ownerID, id string) error {
	book, err := s.store.GetAudiobook(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAudiobook(ctx, ownerID, id); err != nil {
		return err
	}
	if book.StorageKey != "" {
		if err := s.blobs.Delete(ctx, book.StorageKey); err != nil {
			slog.Warn("delete audio blob", "audio_id", id, "err", err)
		}
	}
	return nil
}

// StreamAudio opens a byte-range read over the audiobook for playback.
func (s *Service) StreamAudio(ctx context.Context, ownerID, id string, offset, length int64) (io.ReadCloser, error) {
	book, err := s.store.GetAudiobook(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return s.blobs.Get(ctx, book.StorageKey)
	}
	return s.blobs.GetRange(ctx, book.StorageKey, offset, length)
}

// pdfText extracts page text from a PDF, joined with paragraph breaks.
// Problematic pages are skipped rather than failing the upload.
func pdfText(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "readalong-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp pdf: %w", err)
	}
	tmp.Close()

	file, reader, err := pdf.Open(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t := strings.Join(strings.Fields(text), " "); t != "" {
			pages = append(pages, t)
		}
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return strings.Join(pages, "\n\n"), nil
}

// probeBytes writes the audio to a temp file and asks ffprobe for its
// duration.
func probeBytes(ctx context.Context, filename string, data []byte) (float64, error) {
	tmp, err := os.CreateTemp("", "readalong-*"+filepath.Ext(filename))
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, err
	}
	tmp.Close()
	info, err := audio.Probe(ctx, tmp.Name())
	if err != nil {
		return 0, err
	}
	return info.DurationSec, nil
}

var multiBlankRe = regexp.MustCompile(`\n{3,}`)

// normalizeTextPreserveParagraphs cleans up a plain-text upload while
// keeping blank-line paragraph separators.
func normalizeTextPreserveParagraphs(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = multiBlankRe.ReplaceAllString(text, "\n\n")
	var paragraphs []string
	for _, part := range strings.Split(text, "\n\n") {
		if p := strings.Join(strings.Fields(part), " "); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func titleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	title = strings.TrimSpace(title)
	if title == "" {
		return "Untitled"
	}
	return title
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" {
		return "book"
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "book"
	}
	return out
}

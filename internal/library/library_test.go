package library

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"readalong/pkg/domain"
	"readalong/pkg/storage"
	"readalong/pkg/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	st := store.NewMemoryStore()
	return NewService(st, blobs), st
}

func epubFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	files := map[string]string{
		"META-INF/container.xml": `<?xml version="1.0"?>
<container><rootfiles><rootfile full-path="content.opf"/></rootfiles></container>`,
		"content.opf": `<?xml version="1.0"?>
<package xmlns:dc="http://purl.org/dc/elements/1.1/">
  <metadata><dc:title>Fixture</dc:title><dc:creator>A. Writer</dc:creator></metadata>
  <manifest><item id="c1" href="ch1.xhtml" media-type="application/xhtml+xml"/></manifest>
  <spine><itemref idref="c1"/></spine>
</package>`,
		"ch1.xhtml": `<html><body><h1>Chapter One</h1>` +
			`<p>A paragraph long enough to clear the chapter minimum size threshold.</p></body></html>`,
	}
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestAddBookEPUB(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	book, err := svc.AddBook(ctx, "alice", "fixture.epub", epubFixture(t))
	if err != nil {
		t.Fatalf("AddBook: %v", err)
	}
	if book.Title != "Fixture" || book.Author != "A. Writer" {
		t.Errorf("metadata = %q / %q", book.Title, book.Author)
	}
	if len(book.Chapters) != 1 {
		t.Fatalf("chapters = %d", len(book.Chapters))
	}
	if !strings.Contains(book.PlainText, "A paragraph long enough") {
		t.Errorf("PlainText = %q", book.PlainText)
	}
	if book.ContentHash == "" || book.StorageKey == "" {
		t.Error("hash or storage key missing")
	}
}

func TestAddBookDeduplicates(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	data := epubFixture(t)

	first, err := svc.AddBook(ctx, "alice", "fixture.epub", data)
	if err != nil {
		t.Fatalf("AddBook: %v", err)
	}
	second, err := svc.AddBook(ctx, "alice", "renamed.epub", data)
	if err != nil {
		t.Fatalf("AddBook duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate created new record: %q vs %q", second.ID, first.ID)
	}
	books, err := st.ListBooksByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListBooksByOwner: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("books = %d, want 1", len(books))
	}
}

func TestAddBookPlainText(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	text := "First paragraph line one.\r\nStill first paragraph.\n\n\n\nSecond paragraph."
	book, err := svc.AddBook(ctx, "alice", "notes.txt", []byte(text))
	if err != nil {
		t.Fatalf("AddBook: %v", err)
	}
	want := "First paragraph line one. Still first paragraph.\n\nSecond paragraph."
	if book.PlainText != want {
		t.Fatalf("PlainText = %q, want %q", book.PlainText, want)
	}
	if len(book.Chapters) != 0 {
		t.Errorf("plain text upload should have no chapters")
	}
}

func TestAddAudiobookStoresMetadata(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	audio, err := svc.AddAudiobook(ctx, "alice", "book.mp3", []byte("bytes"), 3600)
	if err != nil {
		t.Fatalf("AddAudiobook: %v", err)
	}
	if audio.DurationSec != 3600 || audio.Format != "mp3" {
		t.Fatalf("audiobook = %+v", audio)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	book, err := svc.AddBook(ctx, "alice", "fixture.epub", epubFixture(t))
	if err != nil {
		t.Fatalf("AddBook: %v", err)
	}
	audiobook, err := svc.AddAudiobook(ctx, "alice", "book.mp3", []byte("bytes"), 3600)
	if err != nil {
		t.Fatalf("AddAudiobook: %v", err)
	}
	sess, err := st.CreateSession(ctx, domain.SyncSession{
		ID: "s1", OwnerID: "alice", BookID: book.ID, AudioID: audiobook.ID,
		Status: domain.SessionPending, SyncMode: domain.ModeFull,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := svc.DeleteBook(ctx, "alice", book.ID); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if _, err := st.GetBook(ctx, "alice", book.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("book still present: %v", err)
	}
	if _, err := st.GetSession(ctx, "alice", sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session survived cascade: %v", err)
	}
}

func TestStreamAudioChecksOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	audiobook, err := svc.AddAudiobook(ctx, "alice", "book.mp3", []byte("0123456789"), 60)
	if err != nil {
		t.Fatalf("AddAudiobook: %v", err)
	}

	if _, err := svc.StreamAudio(ctx, "mallory", audiobook.ID, 0, 4); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	rc, err := svc.StreamAudio(ctx, "alice", audiobook.ID, 2, 4)
	if err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "2345" {
		t.Fatalf("range = %q", data)
	}
}

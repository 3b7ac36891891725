package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"readalong/pkg/domain"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key := TempChunkKey("sess-1", 0, ".mp3")
	if err := fs.Put(ctx, key, strings.NewReader("hello audio"), 11, "audio/mpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := fs.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 11 {
		t.Fatalf("Stat size = %d, want 11", info.Size)
	}

	rc, err := fs.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello audio" {
		t.Fatalf("Get = %q", data)
	}
}

func TestFileStoreGetRange(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Put(ctx, "audio/a.mp3", strings.NewReader("0123456789"), 10, "audio/mpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := fs.GetRange(ctx, "audio/a.mp3", 2, 4)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "2345" {
		t.Fatalf("GetRange = %q, want 2345", data)
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Put(ctx, "k", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := fs.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := fs.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := fs.Stat(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Stat after delete: err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := fs.Get(context.Background(), "../outside"); err == nil {
		t.Fatal("expected error for escaping key")
	}
}

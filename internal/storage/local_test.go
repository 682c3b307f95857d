package storage

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	objectPath := "cache/reindex/abc"
	content := []byte("hello world")
	if err := storage.Put(ctx, objectPath, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := storage.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	// Overwrite
	if err := storage.Put(ctx, objectPath, []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ = storage.Get(ctx, objectPath)
	if string(got) != "v2" {
		t.Errorf("overwrite: got %q", got)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := storage.Get(ctx, objectPath); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_DeleteNonExistent(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	if err := storage.Delete(context.Background(), "does/not/exist"); err != nil {
		t.Errorf("Delete of non-existent object should not fail: %v", err)
	}
}

func TestLocalStorage_List(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, p := range []string{"cache/a", "cache/b", "other/c"} {
		if err := storage.Put(ctx, p, []byte(p)); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}

	objects, err := storage.List(ctx, "cache/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(objects)
	if len(objects) != 2 || objects[0] != "cache/a" || objects[1] != "cache/b" {
		t.Errorf("unexpected listing: %v", objects)
	}

	all, err := storage.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 objects, got %v", all)
	}
}

func TestLocalStorage_ContextCanceled(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Put(ctx, "x", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

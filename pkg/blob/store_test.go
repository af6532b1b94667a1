package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFSStore_PutGet(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	ctx := context.Background()

	data := []byte("chapter bundle")
	handle, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if handle != HandleFor(data) {
		t.Errorf("handle = %q, want %q", handle, HandleFor(data))
	}

	got, err := s.Get(ctx, handle)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestFSStore_PutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFSStore(dir)
	ctx := context.Background()
	data := []byte("same payload")

	var wg sync.WaitGroup
	handles := make([]string, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Put(ctx, data)
			if err != nil {
				t.Errorf("Put failed: %v", err)
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		if h != handles[0] {
			t.Errorf("handle %q differs from %q", h, handles[0])
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, handles[0][:2]))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("files = %d, want 1 (no temp leftovers)", len(entries))
	}
}

func TestFSStore_GetErrors(t *testing.T) {
	s, _ := NewFSStore(t.TempDir())
	ctx := context.Background()

	if _, err := s.Get(ctx, HandleFor([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "../../etc/passwd"); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Get traversal = %v, want ErrInvalidHandle", err)
	}
}

func TestNewFSStore_RequiresPath(t *testing.T) {
	if _, err := NewFSStore(""); err == nil {
		t.Error("expected error for empty path")
	}
}

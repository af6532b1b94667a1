// Package blob is the cold cache tier: large assembled payloads stored
// once and referenced by an opaque handle.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned for handles the store does not hold.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidHandle is returned for malformed handles.
var ErrInvalidHandle = errors.New("invalid blob handle")

// Store keeps payloads addressed by handle.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

// FSStore keeps payloads on disk under their sha256. Identical payloads
// share one file, so Put is idempotent.
type FSStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewFSStore creates the store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if basePath == "" {
		return nil, errors.New("blob path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve blob path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob path: %w", err)
	}
	return &FSStore{basePath: abs, locks: make(map[string]*entryLock)}, nil
}

// HandleFor returns the handle data would be stored under.
func HandleFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its handle.
func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := HandleFor(data)
	filePath, _ := s.path(handle)

	unlock := s.lockEntry(handle)
	defer unlock()

	if _, err := os.Stat(filePath); err == nil {
		return handle, nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return handle, nil
}

// Get returns the payload of handle.
func (s *FSStore) Get(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.path(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) lockEntry(handle string) func() {
	s.mu.Lock()
	lock := s.locks[handle]
	if lock == nil {
		lock = &entryLock{}
		s.locks[handle] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, handle)
		}
		s.mu.Unlock()
	}
}

// path shards blobs by the first two hex digits.
func (s *FSStore) path(handle string) (string, error) {
	if len(handle) != sha256.Size*2 {
		return "", ErrInvalidHandle
	}
	if _, err := hex.DecodeString(handle); err != nil {
		return "", ErrInvalidHandle
	}
	return filepath.Join(s.basePath, handle[:2], handle), nil
}

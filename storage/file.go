package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File permission constants for backend files.
const (
	fileDirPerm  = 0o750 // Directory permissions: rwxr-x---
	fileItemPerm = 0o600 // File permissions: rw-------
)

// File implements Storage on the local file system. Each key is one JSON
// file whose name is derived from a hash of the key; the key itself is kept
// inside the file so Keys can enumerate by prefix.
type File struct {
	baseDir string
	now     func() time.Time
}

// fileEntry is the on-disk format for stored values.
type fileEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

func (e fileEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// NewFile creates a file-based backend rooted at baseDir.
func NewFile(baseDir string) (*File, error) {
	if err := os.MkdirAll(baseDir, fileDirPerm); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &File{
		baseDir: baseDir,
		now:     time.Now,
	}, nil
}

// Get retrieves a value.
func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := f.read(f.keyToPath(key))
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.expired(f.now()) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set stores a value, replacing the file atomically.
func (f *File) Set(_ context.Context, key string, value []byte, opts SetOptions) error {
	path := f.keyToPath(key)

	if err := os.MkdirAll(filepath.Dir(path), fileDirPerm); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	now := f.now()
	data, err := json.Marshal(fileEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: opts.ExpiresAt(now),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".qcache-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(fileItemPerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

// Delete removes a value.
func (f *File) Delete(_ context.Context, key string) error {
	err := os.Remove(f.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys walks the directory and returns live keys under prefix.
func (f *File) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := f.now()
	var keys []string
	err := filepath.WalkDir(f.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		entry, ok, err := f.read(path)
		if err != nil {
			// Files replaced or half-written concurrently are skipped.
			return nil
		}
		if ok && strings.HasPrefix(entry.Key, prefix) && !entry.expired(now) {
			keys = append(keys, entry.Key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", f.baseDir, err)
	}
	return keys, nil
}

// Cleanup removes expired and unreadable files.
func (f *File) Cleanup() error {
	now := f.now()
	return filepath.WalkDir(f.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		entry, ok, err := f.read(path)
		if err != nil || (ok && entry.expired(now)) {
			_ = os.Remove(path)
		}
		return nil
	})
}

func (f *File) read(path string) (fileEntry, bool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileEntry{}, false, nil
		}
		return fileEntry{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fileEntry{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return entry, true, nil
}

// keyToPath hashes the key and fans files out over a 2-level directory
// structure to avoid too many files in one directory.
func (f *File) keyToPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16])
	return filepath.Join(f.baseDir, name[:2], name[2:4], name+".json")
}

// Ensure File implements Storage.
var _ Storage = (*File)(nil)

// Package filestore holds the per-session content published by a host:
// the mod configuration plus any archives the extension index does not serve.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

var (
	ErrNotFound   = errors.New("file not found")
	ErrBadName    = errors.New("invalid filename")
	ErrChunkOrder = errors.New("chunk out of order")
)

const partSuffix = ".part"

// Store is a directory tree of session-scoped files. Chunked uploads append
// to a .part file in strict index order and are finalized by rename, so the
// manifest only ever lists complete files.
type Store struct {
	mu    sync.Mutex
	base  string
	parts map[string]int // part path -> next expected chunk index
}

func New(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("filestore init: %w", err)
	}
	return &Store{base: base, parts: make(map[string]int)}, nil
}

// Save writes a complete file in one shot.
func (s *Store) Save(sessionID, name string, r io.Reader) (int64, error) {
	path, err := s.path(sessionID, name)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// SaveChunk appends one chunk. Every part tracks the next index it expects;
// a duplicated, skipped or out-of-order chunk returns ErrChunkOrder, so a
// partial or double-appended file can never finalize into the manifest. The
// final chunk (index == total-1) finalizes the file. Returns true once the
// file is complete.
func (s *Store) SaveChunk(sessionID, name string, index, total int, r io.Reader) (bool, error) {
	if index < 0 || total <= 0 || index >= total {
		return false, ErrChunkOrder
	}
	path, err := s.path(sessionID, name)
	if err != nil {
		return false, err
	}
	part := path + partSuffix

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if index == 0 {
		// A restarted upload truncates any stale partial.
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	} else if s.parts[part] != index {
		return false, ErrChunkOrder
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		delete(s.parts, part)
		return false, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		// The partial may hold half a chunk; force a restart from zero.
		delete(s.parts, part)
		return false, err
	}
	if err := f.Close(); err != nil {
		delete(s.parts, part)
		return false, err
	}
	if index == total-1 {
		delete(s.parts, part)
		if err := os.Rename(part, path); err != nil {
			return false, err
		}
		return true, nil
	}
	s.parts[part] = index + 1
	return false, nil
}

// Manifest lists the finalized files of a session.
func (s *Store) Manifest(sessionID string) ([]model.ManifestFile, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.ManifestFile{}, nil
		}
		return nil, err
	}
	out := make([]model.ManifestFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, model.ManifestFile{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open returns a finalized file for streaming.
func (s *Store) Open(sessionID, name string) (*os.File, os.FileInfo, error) {
	path, err := s.path(sessionID, name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Purge deletes everything a session published. Called when the session is
// destroyed.
func (s *Store) Purge(sessionID string) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for part := range s.parts {
		if strings.HasPrefix(part, dir+string(os.PathSeparator)) {
			delete(s.parts, part)
		}
	}
	s.mu.Unlock()
	return os.RemoveAll(dir)
}

func (s *Store) dir(sessionID string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) {
		return "", ErrBadName
	}
	return filepath.Join(s.base, sessionID), nil
}

func (s *Store) path(sessionID, name string) (string, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrBadName
	}
	return filepath.Join(dir, name), nil
}

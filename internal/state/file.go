package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrStoreCorrupted is returned when the state file cannot be decoded.
var ErrStoreCorrupted = errors.New("state file corrupted")

// FileStore keeps every branch in one JSON file, rewritten atomically on
// each update.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	branches map[string]*BranchState
	now      func() time.Time
}

// NewFileStore opens (or creates) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &FileStore{
		path:     path,
		branches: make(map[string]*BranchState),
		now:      time.Now,
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, branch string) (*BranchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.branches[branch]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *FileStore) List(_ context.Context) ([]*BranchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BranchState, 0, len(s.branches))
	for _, st := range s.branches {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}

// Update holds the store lock for the whole read-modify-write so updates
// of one branch are serialized.
func (s *FileStore) Update(ctx context.Context, branch string, fn UpdateFunc) (*BranchState, error) {
	if branch == "" {
		return nil, errors.New("branch is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next, write, err := applyUpdate(branch, s.branches[branch], fn)
	if err != nil || !write {
		return next, err
	}
	next.UpdatedAt = s.now().UTC()

	prev, had := s.branches[branch]
	s.branches[branch] = next
	if err := s.save(); err != nil {
		if had {
			s.branches[branch] = prev
		} else {
			delete(s.branches, branch)
		}
		return nil, err
	}
	return next.Clone(), nil
}

func (s *FileStore) Delete(_ context.Context, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.branches[branch]
	if !ok {
		return ErrNotFound
	}
	delete(s.branches, branch)
	if err := s.save(); err != nil {
		s.branches[branch] = prev
		return err
	}
	return nil
}

// Refresh re-reads the file, picking up writes from another process.
func (s *FileStore) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.load()
	if os.IsNotExist(err) {
		s.branches = make(map[string]*BranchState)
		return nil
	}
	return err
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	branches := make(map[string]*BranchState)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &branches); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
		}
	}
	for name, st := range branches {
		if st == nil {
			delete(branches, name)
			continue
		}
		st.Branch = name
	}
	s.branches = branches
	return nil
}

// save writes the map atomically via a temp file and rename.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.branches, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state: %w", err)
	}
	return nil
}

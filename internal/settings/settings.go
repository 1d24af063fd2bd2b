// Package settings persists runtime-tunable knobs in a small JSON document.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/JakeFAU/linksniff/internal/task"
)

const keyConcurrency = "concurrency"

// Store holds the settings document. Writes are serialized and replace the
// file atomically; reads come from an in-memory snapshot.
type Store struct {
	mu          sync.Mutex
	path        string
	v           *viper.Viper
	concurrency atomic.Int64
}

// Open loads the document at path, creating it with defaultConcurrency when
// it does not exist yet.
func Open(path string, defaultConcurrency int) (*Store, error) {
	if defaultConcurrency < 1 {
		return nil, fmt.Errorf("default concurrency: %w", task.ErrInvalidConcurrency)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault(keyConcurrency, defaultConcurrency)

	s := &Store{path: path, v: v}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create settings dir: %w", err)
		}
		if err := s.write(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("stat settings: %w", err)
	}

	n := v.GetInt(keyConcurrency)
	if n < 1 {
		return nil, fmt.Errorf("settings %s: %w", path, task.ErrInvalidConcurrency)
	}
	s.concurrency.Store(int64(n))
	return s, nil
}

// Concurrency returns the current global ceiling.
func (s *Store) Concurrency() int {
	return int(s.concurrency.Load())
}

// SetConcurrency validates and persists n. The new value is visible to
// readers only after it is on disk.
func (s *Store) SetConcurrency(n int) error {
	if n < 1 {
		return task.ErrInvalidConcurrency
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.v.GetInt(keyConcurrency)
	s.v.Set(keyConcurrency, n)
	if err := s.write(); err != nil {
		s.v.Set(keyConcurrency, prev)
		return err
	}
	s.concurrency.Store(int64(n))
	return nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// write renders the document into a sibling temp file and renames it over
// path. Viper picks the encoder from the file extension, so the temp name
// keeps ".json".
func (s *Store) write() error {
	f, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create settings temp file: %w", err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("create settings temp file: %w", err)
	}
	if err := s.v.WriteConfigAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

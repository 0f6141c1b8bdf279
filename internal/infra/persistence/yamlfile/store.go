// Package yamlfile persists the inventory document as a single YAML file.
// Writes go to a temporary file in the same directory and are renamed into
// place, so readers never observe a partial document.
package yamlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"cryocore/internal/infra/persistence/memory"
	"cryocore/pkg/domain"
)

// Store is a file-backed inventory store.
type Store struct {
	*memory.Store
	path string

	mu   sync.Mutex
	last []byte
}

// NewStore loads path, or writes seed to it when the file does not exist.
// A missing file without a seed yields an empty document.
func NewStore(path string, engine *domain.RulesEngine, seed *domain.Document) (*Store, error) {
	if path == "" {
		return nil, errors.New("yamlfile: path is required")
	}
	s := &Store{path: path}
	s.Store = memory.NewStore(engine, memory.WithSink(memory.SinkFunc(s.persist)))

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		doc, err := domain.DecodeYAML(data)
		if err != nil {
			return nil, domain.WrapError(err, domain.CodeLoadFailed, "failed to load inventory").
				WithContext("path", path)
		}
		s.ImportDocument(doc)
		s.setLast(data)
	case errors.Is(err, os.ErrNotExist):
		if seed != nil {
			if err := s.persist(context.Background(), *seed); err != nil {
				return nil, err
			}
			s.ImportDocument(*seed)
		}
	default:
		return nil, domain.WrapError(err, domain.CodeLoadFailed, "failed to read inventory").
			WithContext("path", path)
	}
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Describe names the backend.
func (s *Store) Describe() string { return "yaml:" + s.path }

func (s *Store) persist(_ context.Context, doc domain.Document) error {
	data, err := domain.EncodeYAML(doc)
	if err != nil {
		return err
	}
	if err := WriteAtomic(s.path, data); err != nil {
		return err
	}
	s.setLast(data)
	return nil
}

// WriteAtomic writes data to path through a same-directory temporary file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *Store) setLast(data []byte) {
	s.mu.Lock()
	s.last = append(s.last[:0], data...)
	s.mu.Unlock()
}

// Reload re-reads the file. It reports false when the content matches the
// last document this store read or wrote.
func (s *Store) Reload() (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, domain.WrapError(err, domain.CodeLoadFailed, "failed to read inventory").
			WithContext("path", s.path)
	}
	s.mu.Lock()
	same := bytes.Equal(data, s.last)
	s.mu.Unlock()
	if same {
		return false, nil
	}
	doc, err := domain.DecodeYAML(data)
	if err != nil {
		return false, domain.WrapError(err, domain.CodeLoadFailed, "failed to load inventory").
			WithContext("path", s.path)
	}
	s.ImportDocument(doc)
	s.setLast(data)
	return true, nil
}

// Watch reloads the document whenever the file changes outside this store
// and calls onChange with the reload outcome. It returns once the watcher is
// running; the watch stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(domain.Document, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched because atomic writers replace the file.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	target := filepath.Clean(s.path)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				changed, err := s.Reload()
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if (changed || err != nil) && onChange != nil {
					onChange(s.ExportDocument(), err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onChange != nil {
					onChange(s.ExportDocument(), err)
				}
			}
		}
	}()
	return nil
}

var _ domain.PersistentStore = (*Store)(nil)

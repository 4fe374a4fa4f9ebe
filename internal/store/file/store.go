// Package file persists trade task documents as one JSON file per task.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

const ext = ".json"

// Store keeps each task at <dir>/<id>.json. Writes go to a temp file in the
// same directory and are renamed into place, so readers never observe a
// partial document.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates the directory if needed and returns a Store rooted there.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger.With(slog.String("component", "file_store"))}, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("file store: invalid task id %q", id)
	}
	return filepath.Join(s.dir, id+ext), nil
}

// Save writes the task document atomically.
func (s *Store) Save(_ context.Context, t *tradetask.TradeTask) error {
	p, err := s.path(t.ID)
	if err != nil {
		return err
	}
	data, err := tradetask.Marshal(t)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+t.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("file store: save %s: %w", t.ID, err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("file store: save %s: %w", t.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("file store: sync %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("file store: save %s: %w", t.ID, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		cleanup()
		return fmt.Errorf("file store: rename %s: %w", t.ID, err)
	}
	return nil
}

// Load reads and validates one task document.
func (s *Store) Load(_ context.Context, id string) (*tradetask.TradeTask, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file store: load %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("file store: load %s: %w", id, err)
	}
	t, err := tradetask.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("file store: load %s: %w", id, err)
	}
	return t, nil
}

// Delete removes a task document.
func (s *Store) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file store: delete %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("file store: delete %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all stored tasks in lexical order. Leftover temp
// files from interrupted saves are ignored.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file store: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

var _ tradetask.Store = (*Store)(nil)

// Package queue provides crash-safe storage of pending webhook delivery
// tasks. Each task lives in its own JSON file; writes go through a temp file
// and rename so a reader never observes a partial task.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mailhook-dev/mailhook/internal/model"
)

// ErrNotFound is returned when a task id has no backing file, typically
// because a concurrent worker already removed it.
var ErrNotFound = errors.New("queue: task not found")

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Store is a file-per-task durable queue rooted at a single directory.
type Store struct {
	dir string
	now func() time.Time
}

// Open creates the queue directory if needed and returns a Store over it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("creating queue directory %s: %w", dir, err)
	}
	// MkdirAll does not tighten an existing directory.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, fmt.Errorf("restricting queue directory %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Create persists a new task for the parsed email and returns its id.
func (s *Store) Create(parsed model.ParsedEmail) (string, error) {
	now := s.now().UTC()
	task := model.Task{
		ID:        model.NewTaskID(now),
		CreatedAt: now,
		Parsed:    parsed,
	}
	if err := s.write(&task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Get loads the task with the given id.
func (s *Store) Get(id string) (*model.Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &task, nil
}

// Patch describes a partial task update applied by Update.
type Patch struct {
	FailedWebhooks []string
	LastError      string
	AddAttempts    int
}

// Update applies patch to the stored task and rewrites it atomically.
func (s *Store) Update(id string, patch Patch) error {
	task, err := s.Get(id)
	if err != nil {
		return err
	}

	task.FailedWebhooks = patch.FailedWebhooks
	if patch.LastError != "" {
		task.LastError = patch.LastError
	}
	task.Attempts += patch.AddAttempts
	now := s.now().UTC()
	task.UpdatedAt = &now

	return s.write(task)
}

// Remove deletes the task file. Removing an already-removed task is not an
// error.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing task %s: %w", id, err)
	}
	return nil
}

// ListIDs returns every stored task id sorted lexicographically. Given the
// id format this approximates FIFO on creation time.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing queue directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the number of stored tasks.
func (s *Store) Len() (int, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write serializes the task to a temp file in the queue directory and
// renames it into place. Rename within a directory is atomic, so a crash at
// any point leaves either the old content or the new.
func (s *Store) write(task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+task.ID+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file for task %s: %w", task.ID, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(fileMode); err != nil {
		cleanup()
		return fmt.Errorf("restricting task file %s: %w", task.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing task %s: %w", task.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing task %s: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing task file %s: %w", task.ID, err)
	}

	if err := os.Rename(tmpName, s.path(task.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing task %s: %w", task.ID, err)
	}
	return nil
}

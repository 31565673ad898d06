// Package checkpoint persists batch results incrementally as JSON lines
// so an interrupted run can resume, skipping tasks a prior run already
// completed. One line per result keeps appends atomic with respect to
// previously written entries: a crash mid-write can at worst corrupt the
// final line, which Load tolerates.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/rotogen/rotogen/dispatch"
)

// Store is an append-only result log with a derived set of completed task
// IDs. Append is serialized so concurrent completions cannot interleave
// partial writes.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	done   map[string]struct{}
	loaded []dispatch.Result
	logger *slog.Logger
}

// Open loads any results already present at path and opens the file for
// appending. A missing file starts an empty checkpoint.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		done:   make(map[string]struct{}),
		logger: logger,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file %s: %w", path, err)
	}
	s.file = file

	if len(s.loaded) > 0 {
		logger.Info("loaded existing checkpoint",
			"path", path,
			"completed", len(s.loaded))
	}
	return s, nil
}

// load reads prior results line by line. A trailing line that does not
// parse (a crash mid-append) is skipped with a warning; everything before
// it is kept.
func (s *Store) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint file %s: %w", s.path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var res dispatch.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			s.logger.Warn("skipping unparseable checkpoint line",
				"path", s.path,
				"line", line,
				"error", err)
			continue
		}
		if _, dup := s.done[res.TaskID]; dup {
			continue
		}
		s.done[res.TaskID] = struct{}{}
		s.loaded = append(s.loaded, res)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan checkpoint file %s: %w", s.path, err)
	}
	return nil
}

// Append durably persists one result and records its task ID as done.
func (s *Store) Append(result dispatch.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for task %s: %w", result.TaskID, err)
	}
	raw = append(raw, '\n')
	if _, err := s.file.Write(raw); err != nil {
		return fmt.Errorf("failed to append result for task %s: %w", result.TaskID, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	s.done[result.TaskID] = struct{}{}
	return nil
}

// Has reports whether a task ID was completed by this or a prior run.
func (s *Store) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[taskID]
	return ok
}

// Loaded returns the results read from a prior run, in file order.
func (s *Store) Loaded() []dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

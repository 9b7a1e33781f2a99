package filekv

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/models"
)

// Record kinds written to the journal.
const (
	kindUser   = "user"
	kindJob    = "job"
	kindBatch  = "batch"
	kindDelete = "delete"
)

// record is one journal line. Writes are whole-record appends; replay keeps
// the last record per key, deletes act as tombstones.
type record struct {
	Kind string          `json:"kind"`
	Key  string          `json:"key"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
	// Of names the entity kind a delete tombstone applies to.
	Of string `json:"of,omitempty"`
}

// Store is the append-only JSON-lines fallback used when the primary KV
// store cannot be opened. State lives in memory and is rebuilt by replaying
// the journal on open; every mutation appends one line and fsyncs.
//
// Durability is line-granular: a torn final line from a crash is skipped on
// replay and only loses the single mutation that was being written.
type Store struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	logger  arbor.ILogger
	users   map[string]*models.User
	jobs    map[string]*models.Job
	batches map[string]*models.Batch
}

// Open replays the journal at path and opens it for appending.
func Open(logger arbor.ILogger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	s := &Store{
		path:    path,
		logger:  logger,
		users:   make(map[string]*models.User),
		jobs:    make(map[string]*models.Job),
		batches: make(map[string]*models.Batch),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for append: %w", err)
	}
	s.file = file

	logger.Info().
		Str("path", path).
		Int("users", len(s.users)).
		Int("jobs", len(s.jobs)).
		Int("batches", len(s.batches)).
		Msg("File journal store opened")

	return s, nil
}

func (s *Store) replay() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn trailing line from a crash is expected; anything else is
			// still skipped so one bad line never poisons the whole journal.
			s.logger.Warn().Int("line", line).Err(err).Msg("Skipping unreadable journal line")
			continue
		}

		if err := s.apply(&rec); err != nil {
			s.logger.Warn().Int("line", line).Err(err).Msg("Skipping unusable journal record")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan journal: %w", err)
	}
	return nil
}

func (s *Store) apply(rec *record) error {
	switch rec.Kind {
	case kindUser:
		var u models.User
		if err := json.Unmarshal(rec.Data, &u); err != nil {
			return err
		}
		s.users[u.ID] = &u
	case kindJob:
		job, err := models.JobFromJSON(rec.Data)
		if err != nil {
			return err
		}
		s.jobs[job.ID] = job
	case kindBatch:
		batch, err := models.BatchFromJSON(rec.Data)
		if err != nil {
			return err
		}
		s.batches[batch.ID] = batch
	case kindDelete:
		switch rec.Of {
		case kindUser:
			delete(s.users, rec.Key)
		case kindJob:
			delete(s.jobs, rec.Key)
		case kindBatch:
			delete(s.batches, rec.Key)
		}
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

// append writes one record and fsyncs. Callers hold the write lock.
func (s *Store) append(rec *record) error {
	rec.At = time.Now().UTC()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (s *Store) appendEntity(kind, key string, entity interface{}) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return s.append(&record{Kind: kind, Key: key, Data: data})
}

func (s *Store) appendDelete(of, key string) error {
	return s.append(&record{Kind: kindDelete, Of: of, Key: key})
}

// Close closes the journal file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

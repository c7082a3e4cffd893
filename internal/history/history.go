// Package history keeps a file-backed record of recent tool executions.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// ErrNotFound is returned when a record id is absent.
var ErrNotFound = errors.New("record not found")

// Record is one stored tool execution.
type Record struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	Outcome    string    `json:"outcome"`
	DurationMS float64   `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store persists execution records as one JSON file per record. Record ids
// are ULIDs, so lexicographic file order is chronological order.
type Store struct {
	basePath string
	keep     int

	mu  sync.Mutex
	log zerolog.Logger
}

// NewStore creates a store rooted at basePath, retaining at most keep
// records. The directory is created on first write.
func NewStore(basePath string, keep int) *Store {
	if keep <= 0 {
		keep = 200
	}
	return &Store{
		basePath: basePath,
		keep:     keep,
		log:      logging.Component("history"),
	}
}

// Append stores one record, assigning an id when absent, and prunes the
// oldest records past the retention cap.
func (s *Store) Append(rec Record) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// Write to a temp file first, then rename (atomic operation).
	filePath := s.filePath(rec.ID)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	s.prune()
	return nil
}

// Get retrieves one record by id.
func (s *Store) Get(id string) (Record, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	ids, err := s.ids()
	if err != nil {
		return 0
	}
	return len(ids)
}

// Bind subscribes the store to tool execution events on the bus.
// Returns an unsubscribe function.
func (s *Store) Bind(bus *event.Bus) func() {
	return bus.Subscribe(event.ToolExecuted, func(e event.Event) {
		data, ok := e.Data.(event.ToolExecutedData)
		if !ok {
			return
		}
		if err := s.Append(Record{
			Tool:       data.Tool,
			Outcome:    data.Outcome,
			DurationMS: data.DurationMS,
		}); err != nil {
			s.log.Warn().Err(err).Str("tool", data.Tool).Msg("failed to record execution")
		}
	})
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.basePath, id+".json")
}

// ids lists the stored record ids in lexicographic (chronological) order.
func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// prune removes the oldest records past the retention cap. Caller holds s.mu.
func (s *Store) prune() {
	ids, err := s.ids()
	if err != nil || len(ids) <= s.keep {
		return
	}
	for _, id := range ids[:len(ids)-s.keep] {
		if err := os.Remove(s.filePath(id)); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("failed to prune record")
		}
	}
}

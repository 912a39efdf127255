// Package store keeps audit records as JSON files so decisions can be
// reviewed after the fact.
package store

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

	"github.com/google/uuid"

	"github.com/sameehj/sextant/pkg/isr"
)

// ErrNotFound is returned by Load for an unknown record ID.
var ErrNotFound = errors.New("audit record not found")

// Record is one persisted audit.
type Record struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"created_at"`
	Origin           string     `json:"origin,omitempty"`
	Context          string     `json:"context"`
	ProposedDecision string     `json:"proposed_decision"`
	Result           isr.Result `json:"result"`
}

// NewRecord stamps a record with a fresh ID and the current time.
func NewRecord(origin, auditContext, proposedDecision string, result isr.Result) Record {
	return Record{
		ID:               uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
		Origin:           origin,
		Context:          auditContext,
		ProposedDecision: proposedDecision,
		Result:           result,
	}
}

// FileStore writes one file per record under <dir>/audits.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (s *FileStore) dir() string {
	return filepath.Join(s.baseDir, "audits")
}

func (s *FileStore) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid record id %q: %w", id, err)
	}
	return filepath.Join(s.dir(), id+".json"), nil
}

// Save writes rec, assigning an ID and timestamp when missing. The file is
// written to a temp name first and renamed into place.
func (s *FileStore) Save(rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) Load(id string) (*Record, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
// Unreadable files are skipped.
func (s *FileStore) List(limit int) ([]Record, error) {
	entries, err := os.ReadDir(s.dir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

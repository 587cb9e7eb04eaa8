package ultrawork

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists a session's session.json, plan.md, progress.json, and
// retrospective.md under baseDir/<sessionID>/. Grounded in
// internal/persistence/loops.go's SaveLoopCheckpoint/LoadLoopCheckpoint,
// adapted from a SQLite row to flat files per spec.md §4.15's "on-disk
// JSON persistence" requirement — no component reads these back into a
// query engine, so a table is unjustified overhead here.
type Store struct {
	mu      sync.Mutex
	baseDir string
}

// NewStore builds a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

// SaveSession writes session.json.
func (s *Store) SaveSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ultrawork: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("ultrawork: marshal session: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "session.json"), data, 0o644)
}

// LoadSession reads session.json back.
func (s *Store) LoadSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir(sessionID), "session.json"))
	if err != nil {
		return nil, fmt.Errorf("ultrawork: read session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("ultrawork: unmarshal session: %w", err)
	}
	return &session, nil
}

// SavePlan writes plan.md.
func (s *Store) SavePlan(sessionID, markdown string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ultrawork: mkdir %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, "plan.md"), []byte(markdown), 0o644)
}

// SaveRetrospective writes retrospective.md.
func (s *Store) SaveRetrospective(sessionID, markdown string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ultrawork: mkdir %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, "retrospective.md"), []byte(markdown), 0o644)
}

// AppendProgress appends one StepRecord to progress.json.
func (s *Store) AppendProgress(sessionID string, record StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ultrawork: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "progress.json")

	var records []StepRecord
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &records)
	}
	records = append(records, record)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("ultrawork: marshal progress: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadProgress reads progress.json back.
func (s *Store) LoadProgress(sessionID string) ([]StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir(sessionID), "progress.json"))
	if err != nil {
		return nil, fmt.Errorf("ultrawork: read progress: %w", err)
	}
	var records []StepRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("ultrawork: unmarshal progress: %w", err)
	}
	return records, nil
}

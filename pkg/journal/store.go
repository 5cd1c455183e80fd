package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	KindPurge     = "purge"
	KindScan      = "scan"
	KindSelfPurge = "self_purge"
)

// DefaultMaxAge bounds how long sweep records are kept on disk.
const DefaultMaxAge = 30 * 24 * time.Hour

// Record is the summary of one sweep workflow.
type Record struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Trigger   string    `json:"trigger,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Excluded  int       `json:"excluded,omitempty"`
	Deleted   int       `json:"deleted"`
	Matches   int       `json:"matches"`
}

func (r Record) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

type Filter struct {
	Kind  string
	Since time.Time
	Limit int
}

type Aggregate struct {
	Runs      int
	Processed int
	Skipped   int
	Deleted   int
	Matches   int
}

type stateFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
	maxAge  time.Duration
	now     func() time.Time
}

func NewRunID() string {
	return uuid.NewString()
}

// NewStore opens the journal at path. An empty path keeps records in memory.
func NewStore(path string) (*Store, error) {
	s := &Store{
		records: make([]Record, 0, 64),
		path:    path,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends r, dropping records older than the retention window.
func (s *Store) Add(r Record) error {
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	if r.Started.IsZero() {
		r.Started = s.now().UTC()
	}
	if r.Finished.IsZero() {
		r.Finished = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.maxAge)
	kept := s.records[:0]
	for _, old := range s.records {
		if old.Started.Before(cutoff) {
			continue
		}
		kept = append(kept, old)
	}
	s.records = append(kept, r)
	return s.saveLocked()
}

func (s *Store) Last(kind string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if kind == "" || s.records[i].Kind == kind {
			return s.records[i], true
		}
	}
	return Record{}, false
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Kind != "" && !strings.EqualFold(r.Kind, f.Kind) {
			continue
		}
		if !f.Since.IsZero() && r.Started.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.Runs++
		agg.Processed += r.Processed
		agg.Skipped += r.Skipped
		agg.Deleted += r.Deleted
		agg.Matches += r.Matches
	}
	return agg
}

func KindBreakdown(records []Record) map[string]Aggregate {
	out := map[string]Aggregate{}
	for _, r := range records {
		k := strings.TrimSpace(r.Kind)
		if k == "" {
			k = "unknown"
		}
		agg := out[k]
		agg.Runs++
		agg.Processed += r.Processed
		agg.Skipped += r.Skipped
		agg.Deleted += r.Deleted
		agg.Matches += r.Matches
		out[k] = agg
	}
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read journal: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode journal: %w", err)
	}
	s.records = st.Records
	return nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(stateFile{Version: 1, Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write journal temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "jobhost/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.recurring.json (snapshot, rewritten atomically on every change)
//   - <prefix>.runs.jsonl     (append-only JSON Lines, rewritten by PruneRuns)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	recurringPath string
	recurring     map[string]RecurringRecord

	runsPath string
	runsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recPath := prefix + ".recurring.json"
	runsPath := prefix + ".runs.jsonl"

	recurring := map[string]RecurringRecord{}
	if err := loadRecurringSnapshot(recPath, recurring); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("recurring snapshot unreadable; starting empty", logx.String("path", recPath), logx.Err(err))
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:           log,
		recurringPath: recPath,
		recurring:     recurring,
		runsPath:      runsPath,
		runsFile:      rf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) UpsertRecurring(ctx context.Context, r RecurringRecord) error {
	_ = ctx
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("recurring id required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Keep run outcome across re-registration.
	if prev, ok := s.recurring[r.ID]; ok && r.LastRunAt.IsZero() {
		r.LastRunAt = prev.LastRunAt
		r.LastError = prev.LastError
	}
	s.recurring[r.ID] = r
	return s.writeSnapshotLocked()
}

func (s *fileStore) DeleteRecurring(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurring[id]; !ok {
		return nil
	}
	delete(s.recurring, id)
	return s.writeSnapshotLocked()
}

func (s *fileStore) ListRecurring(ctx context.Context) ([]RecurringRecord, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]RecurringRecord, 0, len(s.recurring))
	for _, r := range s.recurring {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) MarkRecurringRun(ctx context.Context, id string, at time.Time, errMsg string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurring[id]
	if !ok {
		return ErrNotFound
	}
	r.LastRunAt = at
	r.LastError = errMsg
	s.recurring[id] = r
	return s.writeSnapshotLocked()
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run log closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return 0, errors.New("run log closed")
	}

	keep, removed, err := readRunsFiltered(s.runsPath, before)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	// Swap the append handle over to the compacted file.
	_ = s.runsFile.Close()
	s.runsFile = nil
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return 0, err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.runsFile = rf
	return removed, nil
}

func (s *fileStore) writeSnapshotLocked() error {
	tmp := s.recurringPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.recurring); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.recurringPath)
}

func loadRecurringSnapshot(path string, out map[string]RecurringRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]RecurringRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func readRunsFiltered(path string, before time.Time) ([]RunRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var keep []RunRecord
	removed := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Drop torn lines left by a crash mid-write.
			removed++
			continue
		}
		if r.Started.Before(before) {
			removed++
			continue
		}
		keep = append(keep, r)
	}
	return keep, removed, sc.Err()
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json    (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl    (append-only journal)
//   - <prefix>.mappings.snapshot.json (periodic snapshot)
//   - <prefix>.mappings.journal.jsonl (append-only journal of put/del)
//
// Journals are periodically compacted into their snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	dedupJournal *journal
	dedup        map[string]int64 // unix milli

	mapJournal *journal
	mappings   map[string]Mapping
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

type mappingRecord struct {
	Op      string   `json:"op"`
	Mapping *Mapping `json:"m,omitempty"`
	Session string   `json:"s,omitempty"`
	Message string   `json:"id,omitempty"`
}

// journal is an append-only JSON Lines file with a snapshot it is folded into.
type journal struct {
	snapshotPath string
	f            *os.File
	writes       int
}

func openJournal(snapshotPath, journalPath string) (*journal, error) {
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &journal{snapshotPath: snapshotPath, f: f}, nil
}

// append writes one record and reports whether the journal is due for compaction.
func (j *journal) append(v any) (bool, error) {
	if j == nil || j.f == nil {
		return false, ErrClosed
	}
	if err := json.NewEncoder(j.f).Encode(v); err != nil {
		return false, err
	}
	j.writes++
	return j.writes%compactEvery == 0, nil
}

// compact writes snapshot atomically and truncates the journal.
func (j *journal) compact(snapshot any) error {
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshot); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.f.Truncate(0); err != nil {
		return err
	}
	_, err = j.f.Seek(0, io.SeekEnd)
	return err
}

func (j *journal) close() error {
	if j == nil || j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
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

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedup := map[string]int64{}
	_ = loadSnapshot(prefix+".dedup.snapshot.json", &dedup)
	_ = replayJournal(prefix+".dedup.journal.jsonl", func(b []byte) {
		var r dedupRecord
		if json.Unmarshal(b, &r) == nil && r.Key != "" {
			dedup[r.Key] = r.Until
		}
	})
	pruneExpiredDedup(dedup)

	var snap []Mapping
	_ = loadSnapshot(prefix+".mappings.snapshot.json", &snap)
	mappings := make(map[string]Mapping, len(snap))
	for _, m := range snap {
		mappings[mappingKey(m.SessionID, m.SourceMessageID)] = m
	}
	if err := replayJournal(prefix+".mappings.journal.jsonl", func(b []byte) {
		var r mappingRecord
		if json.Unmarshal(b, &r) != nil {
			return
		}
		switch r.Op {
		case "put":
			if r.Mapping != nil {
				mappings[mappingKey(r.Mapping.SessionID, r.Mapping.SourceMessageID)] = *r.Mapping
			}
		case "del":
			delete(mappings, mappingKey(r.Session, r.Message))
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("mapping journal replay incomplete", logx.Err(err))
	}

	dj, err := openJournal(prefix+".dedup.snapshot.json", prefix+".dedup.journal.jsonl")
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	mj, err := openJournal(prefix+".mappings.snapshot.json", prefix+".mappings.journal.jsonl")
	if err != nil {
		_ = af.Close()
		_ = dj.close()
		return nil, err
	}

	log.Info("file storage opened", logx.String("prefix", prefix), logx.Int("mappings", len(mappings)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		dedupJournal: dj,
		dedup:        dedup,
		mapJournal:   mj,
		mappings:     mappings,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	errs = append(errs, s.dedupJournal.close(), s.mapJournal.close())
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	e.normalize()
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	due, err := s.dedupJournal.append(dedupRecord{Key: key, Until: ms})
	if err != nil {
		return err
	}
	s.dedup[key] = ms
	if due {
		pruneExpiredDedup(s.dedup)
		if err := s.dedupJournal.compact(s.dedup); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutMapping(ctx context.Context, m Mapping) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	due, err := s.mapJournal.append(mappingRecord{Op: "put", Mapping: &m})
	if err != nil {
		return err
	}
	s.mappings[mappingKey(m.SessionID, m.SourceMessageID)] = m
	if due {
		s.compactMappingsLocked()
	}
	return nil
}

func (s *fileStore) DeleteMapping(ctx context.Context, sessionID, sourceMessageID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mappingKey(sessionID, sourceMessageID)
	if _, ok := s.mappings[k]; !ok {
		return nil
	}
	due, err := s.mapJournal.append(mappingRecord{Op: "del", Session: sessionID, Message: sourceMessageID})
	if err != nil {
		return err
	}
	delete(s.mappings, k)
	if due {
		s.compactMappingsLocked()
	}
	return nil
}

func (s *fileStore) LoadMappings(ctx context.Context) ([]Mapping, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedMappingsLocked(), nil
}

func (s *fileStore) sortedMappingsLocked() []Mapping {
	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *fileStore) compactMappingsLocked() {
	if err := s.mapJournal.compact(s.sortedMappingsLocked()); err != nil {
		s.log.Debug("mapping compact failed", logx.Err(err))
	}
}

func loadSnapshot(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayJournal(path string, apply func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		apply(sc.Bytes())
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

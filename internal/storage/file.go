package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ledgerbot/pkg/logx"
)

// fileStore persists to plain files, no driver involved.
//
//   - <prefix>.delivery.jsonl       append-only JSON Lines
//   - <prefix>.stats.snapshot.json  periodic snapshot
//   - <prefix>.stats.journal.jsonl  append-only journal
//
// Journal entries fold into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshot string
	delivery *os.File
	journal  *os.File

	stats  map[string]StatsRecord
	writes int
}

// compactEvery is the journal write count that triggers a snapshot fold.
const compactEvery = 1000

type statsRecordLine struct {
	Channel string      `json:"channel"`
	Stats   StatsRecord `json:"stats"`
}

type filePaths struct {
	delivery string
	snapshot string
	journal  string
}

// derivePaths turns the configured path into the three backing files,
// dropping its extension first so "ledger.db" becomes "ledger.*".
func derivePaths(path string) filePaths {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, stem)
	return filePaths{
		delivery: prefix + ".delivery.jsonl",
		snapshot: prefix + ".stats.snapshot.json",
		journal:  prefix + ".stats.journal.jsonl",
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	p := derivePaths(path)

	stats := make(map[string]StatsRecord)
	restoreStats(p, stats)

	df, err := os.OpenFile(p.delivery, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(p.journal, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:      log,
		snapshot: p.snapshot,
		delivery: df,
		journal:  jf,
		stats:    stats,
	}, nil
}

// restoreStats rebuilds the in-memory stats view: snapshot first, then the
// journal entries written since. Both are best effort; a fresh store simply
// has neither file yet.
func restoreStats(p filePaths, out map[string]StatsRecord) {
	if f, err := os.Open(p.snapshot); err == nil {
		var m map[string]StatsRecord
		if json.NewDecoder(f).Decode(&m) == nil {
			for k, v := range m {
				out[k] = v
			}
		}
		_ = f.Close()
	}

	f, err := os.Open(p.journal)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line statsRecordLine
		if json.Unmarshal(sc.Bytes(), &line) != nil || line.Channel == "" {
			continue
		}
		out[line.Channel] = line.Stats
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := closeFile(&s.delivery)
	return errors.Join(err, closeFile(&s.journal))
}

func closeFile(f **os.File) error {
	if *f == nil {
		return nil
	}
	err := (*f).Close()
	*f = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivery == nil {
		return errors.New("delivery file closed")
	}
	return json.NewEncoder(s.delivery).Encode(r)
}

func (s *fileStore) PutStats(ctx context.Context, channel string, rec StatsRecord) error {
	_ = ctx
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("stats journal closed")
	}
	if s.stats == nil {
		s.stats = make(map[string]StatsRecord)
	}
	s.stats[channel] = rec

	if err := json.NewEncoder(s.journal).Encode(statsRecordLine{Channel: channel, Stats: rec}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best effort; a failed compact leaves the journal intact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("stats compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetStats(ctx context.Context, channel string) (StatsRecord, bool, error) {
	_ = ctx
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return StatsRecord{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stats[channel]
	return rec, ok, nil
}

// compactLocked folds the stats map into a fresh snapshot and empties the
// journal. Runs with s.mu held.
func (s *fileStore) compactLocked() error {
	if s.stats == nil {
		return nil
	}
	if err := writeSnapshot(s.snapshot, s.stats); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, io.SeekEnd)
	return err
}

// writeSnapshot replaces path atomically via a temp file rename.
func writeSnapshot(path string, stats map[string]StatsRecord) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(stats); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "connq/pkg/logx"
)

// fileKeep is how many outcomes the JSON Lines file keeps. The file is
// rewritten once it holds twice that many.
const fileKeep = 5000

var errFileClosed = errors.New("outcome file closed")

// fileStore appends outcomes to <dir>/<name>.outcomes.jsonl and keeps the
// newest fileKeep of them in memory for reads.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	w      *os.File
	enc    *json.Encoder
	tail   []Outcome // oldest first
	onDisk int
}

func outcomesPath(p string) string {
	dir, base := filepath.Split(p)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+".outcomes.jsonl")
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	path := outcomesPath(p)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	all, err := loadOutcomes(path)
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: path, onDisk: len(all)}
	s.tail = keepNewest(all, fileKeep)
	if err := s.reopenLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.w, s.enc = f, json.NewEncoder(f)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w, s.enc = nil, nil
	return err
}

func (s *fileStore) AppendOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return errFileClosed
	}
	if err := s.enc.Encode(o); err != nil {
		return err
	}
	s.onDisk++
	s.tail = append(s.tail, o)
	if len(s.tail) > fileKeep {
		s.tail = s.tail[len(s.tail)-fileKeep:]
	}
	if s.onDisk >= 2*fileKeep {
		if err := s.rewriteLocked(); err != nil {
			s.log.Debug("outcome compact failed", logx.Err(err))
		}
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first. limit <= 0
// returns everything kept.
func (s *fileStore) RecentOutcomes(_ context.Context, limit int) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tail)
	if limit > 0 {
		n = min(n, limit)
	}
	out := make([]Outcome, n)
	for i := range out {
		out[i] = s.tail[len(s.tail)-1-i]
	}
	return out, nil
}

// rewriteLocked replaces the file with the in-memory tail.
func (s *fileStore) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, o := range s.tail {
		if err = enc.Encode(o); err != nil {
			break
		}
	}
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	_ = s.w.Close()
	s.w, s.enc = nil, nil
	if err := os.Rename(tmp, s.path); err != nil {
		_ = s.reopenLocked()
		return err
	}
	s.onDisk = len(s.tail)
	return s.reopenLocked()
}

func keepNewest(all []Outcome, n int) []Outcome {
	if len(all) <= n {
		return all
	}
	return append(all[:0:0], all[len(all)-n:]...)
}

// loadOutcomes reads every decodable line of path. A missing file is empty.
func loadOutcomes(path string) ([]Outcome, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Outcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var o Outcome
		if json.Unmarshal(sc.Bytes(), &o) == nil {
			out = append(out, o)
		}
	}
	return out, sc.Err()
}

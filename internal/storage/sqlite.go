package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "connq/pkg/logx"
)

//go:embed migrations.sql
var schemaSQL string

const (
	// sqliteKeepRows bounds the outcomes table.
	sqliteKeepRows    = 50000
	sqlitePruneEvery  = 500
	sqliteDefaultBusy = 5 * time.Second
)

const insertOutcomeSQL = `INSERT INTO outcomes
	(at, op_key, request_id, queue, method, url, priority, outcome, status, err, bytes, wait_ms, took_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const recentOutcomesSQL = `SELECT at, op_key, request_id, queue, method, url, priority, outcome, status, err, bytes, wait_ms, took_ms
	FROM outcomes ORDER BY id DESC LIMIT ?`

type sqliteStore struct {
	db     *sql.DB
	insert *sql.Stmt
	log    logx.Logger

	appended atomic.Uint64
}

// sqliteDSN sets pragmas through the driver so every pooled connection
// gets them.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = sqliteDefaultBusy
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	ins, err := db.PrepareContext(ctx, insertOutcomeSQL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, insert: ins, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	_ = s.insert.Close()
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	var errText sql.NullString
	if strings.TrimSpace(o.Error) != "" {
		errText = sql.NullString{String: o.Error, Valid: true}
	}
	if _, err := s.insert.ExecContext(ctx,
		o.At.UTC().Format(time.RFC3339Nano), o.Key, o.RequestID, o.Queue, o.Method, o.URL, o.Priority,
		o.Outcome, o.Status, errText, o.Bytes, o.WaitMS, o.TookMS,
	); err != nil {
		return err
	}
	if s.appended.Add(1)%sqlitePruneEvery == 0 {
		s.prune()
	}
	return nil
}

func (s *sqliteStore) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE id <= (SELECT MAX(id) FROM outcomes) - ?`, sqliteKeepRows)
	if err != nil {
		s.log.Debug("outcome prune failed", logx.Err(err))
	}
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, recentOutcomesSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Outcome, 0, limit)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOutcome(rows *sql.Rows) (Outcome, error) {
	var (
		o       Outcome
		at      string
		errText sql.NullString
	)
	err := rows.Scan(&at, &o.Key, &o.RequestID, &o.Queue, &o.Method, &o.URL, &o.Priority,
		&o.Outcome, &o.Status, &errText, &o.Bytes, &o.WaitMS, &o.TookMS)
	if err != nil {
		return Outcome{}, err
	}
	o.At, _ = time.Parse(time.RFC3339Nano, at)
	o.Error = errText.String
	return o, nil
}

//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "ledgerbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	tuneConn(db, cfg)

	if err := installSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

// tuneConn pins the pool to one connection and applies the session pragmas.
// Pragma failures are ignored; a broken database surfaces at schema install.
func tuneConn(db *sql.DB, cfg Config) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var stmts []string
	if ms := cfg.BusyTimeout.Milliseconds(); ms > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	stmts = append(stmts,
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	)
	for _, q := range stmts {
		_, _ = db.Exec(q)
	}
}

func installSchema(ctx context.Context, db *sql.DB) error {
	ddl, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(ddl))
	return err
}

func (s *sqliteStore) ready() bool { return s != nil && s.db != nil }

func (s *sqliteStore) Close() error {
	if !s.ready() {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if !s.ready() {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery(at, channel, sender, kind, success, reply_sent, reply_error, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.Channel, nullable(r.Sender), r.Kind,
		r.Success, r.ReplySent, nullable(r.ReplyError), r.TookMS,
	)
	return err
}

func (s *sqliteStore) PutStats(ctx context.Context, channel string, rec StatsRecord) error {
	if !s.ready() {
		return ErrDisabled
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats(channel, at, total_seen, processed, successful, failed, irrelevant, success_rate)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(channel) DO UPDATE SET
		   at=excluded.at, total_seen=excluded.total_seen, processed=excluded.processed,
		   successful=excluded.successful, failed=excluded.failed,
		   irrelevant=excluded.irrelevant, success_rate=excluded.success_rate`,
		channel, rec.At.Format(time.RFC3339Nano), rec.TotalSeen, rec.Processed,
		rec.Successful, rec.Failed, rec.Irrelevant, rec.SuccessRate,
	)
	return err
}

func (s *sqliteStore) GetStats(ctx context.Context, channel string) (StatsRecord, bool, error) {
	if !s.ready() {
		return StatsRecord{}, false, ErrDisabled
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return StatsRecord{}, false, nil
	}
	var (
		storedAt string
		rec      StatsRecord
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT at, total_seen, processed, successful, failed, irrelevant, success_rate
		 FROM stats WHERE channel = ?`, channel,
	).Scan(&storedAt, &rec.TotalSeen, &rec.Processed, &rec.Successful, &rec.Failed, &rec.Irrelevant, &rec.SuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return StatsRecord{}, false, nil
	}
	if err != nil {
		return StatsRecord{}, false, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, storedAt); perr == nil {
		rec.At = t
	}
	return rec, true, nil
}

// nullable maps empty strings to NULL so optional columns stay clean.
func nullable(v string) any {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return nil
}

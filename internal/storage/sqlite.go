package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"drawbot/internal/draw"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LatestCommittedKey(ctx context.Context) (draw.Key, bool, error) {
	var k int64
	err := s.db.QueryRowContext(ctx, `SELECT key FROM watermark WHERE id = 1`).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return draw.Key(k), true, nil
}

func (s *sqliteStore) CommitWatermark(ctx context.Context, k draw.Key) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermark(id, key, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET key = excluded.key, updated_at = excluded.updated_at
		 WHERE excluded.key > watermark.key`,
		int64(k), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AddActiveRecipient(ctx context.Context, id transport.Recipient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(chat_id, joined_at) VALUES(?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		int64(id), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RemoveActiveRecipient(ctx context.Context, id transport.Recipient) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE chat_id = ?`, int64(id))
	return err
}

func (s *sqliteStore) ListActiveRecipients(ctx context.Context) ([]transport.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM recipients ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.Recipient
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, transport.Recipient(id))
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRecords(ctx context.Context, recs []draw.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(key, opened_at, numbers, sum, big, odd, combo) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET opened_at = excluded.opened_at, numbers = excluded.numbers,
		   sum = excluded.sum, big = excluded.big, odd = excluded.odd, combo = excluded.combo`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			int64(r.Key), formatTime(r.OpenedAt), r.NumbersText(), r.Sum, boolInt(r.Big), boolInt(r.Odd), r.Combo,
		); err != nil {
			return fmt.Errorf("save record %d: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecentRecords(ctx context.Context, limit int) ([]draw.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, opened_at, numbers, sum, big, odd, combo FROM records ORDER BY key DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []draw.Record
	for rows.Next() {
		var (
			key           int64
			openedAt      sql.NullString
			numbers       string
			sum, big, odd int
			combo         string
		)
		if err := rows.Scan(&key, &openedAt, &numbers, &sum, &big, &odd, &combo); err != nil {
			return nil, err
		}
		nums, err := draw.ParseNumbers(numbers)
		if err != nil {
			s.log.Warn("skipping unreadable record", logx.Int64("key", key), logx.Err(err))
			continue
		}
		out = append(out, draw.Record{
			Key:      draw.Key(key),
			OpenedAt: parseTime(openedAt.String),
			Numbers:  nums,
			Sum:      sum,
			Big:      big != 0,
			Odd:      odd != 0,
			Combo:    combo,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return draw.SortAscending(out), nil
}

func (s *sqliteStore) PruneRecords(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE key NOT IN (SELECT key FROM records ORDER BY key DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendBroadcast(ctx context.Context, e BroadcastEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(at, job_id, key, recipients, delivered, failed, took_ms, err) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.JobID, int64(e.Key), e.Recipients, e.Delivered, e.Failed, e.TookMS, nullStr(e.Error),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

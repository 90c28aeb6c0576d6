//go:build sqlite
// +build sqlite

package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"progload/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	hash       TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	data       BLOB NOT NULL,
	size       INTEGER NOT NULL,
	created_ms INTEGER NOT NULL,
	ttl_ms     INTEGER NOT NULL,
	stored_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_stored ON entries(stored_ms);
`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	budget int64
}

func openSQLiteStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("cache store: path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, budget: cfg.BudgetBytes}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(hash string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM entries WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *sqliteStore) Set(hash string, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("cache store: bad envelope: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT INTO entries(hash, key, data, size, created_ms, ttl_ms, stored_ms) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(hash) DO UPDATE SET
		   key=excluded.key, data=excluded.data, size=excluded.size,
		   created_ms=excluded.created_ms, ttl_ms=excluded.ttl_ms, stored_ms=excluded.stored_ms`,
		hash, env.Key, data, len(data), env.CreatedMS, env.TTLMS, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Delete(hash string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE hash = ?`, hash)
	return err
}

func (s *sqliteStore) Sweep() (int, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`DELETE FROM entries WHERE ttl_ms > 0 AND created_ms + ttl_ms < ?`, now)
	if err != nil {
		return 0, err
	}
	expired, _ := res.RowsAffected()

	// Enforce the byte budget by dropping oldest-stored rows.
	evicted := 0
	for {
		var total sql.NullInt64
		if err := s.db.QueryRow(`SELECT SUM(size) FROM entries`).Scan(&total); err != nil {
			return int(expired) + evicted, err
		}
		if !total.Valid || total.Int64 <= s.budget {
			break
		}
		res, err := s.db.Exec(
			`DELETE FROM entries WHERE hash IN (SELECT hash FROM entries ORDER BY stored_ms ASC LIMIT 16)`)
		if err != nil {
			return int(expired) + evicted, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			break
		}
		evicted += int(n)
	}
	return int(expired) + evicted, nil
}

func (s *sqliteStore) ClearMatching(match func(key string) bool) (int, error) {
	rows, err := s.db.Query(`SELECT hash, key FROM entries`)
	if err != nil {
		return 0, err
	}
	type pair struct{ hash, key string }
	var doomed []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.hash, &p.key); err != nil {
			continue
		}
		if match(p.key) {
			doomed = append(doomed, p)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	removed := 0
	for _, p := range doomed {
		if _, err := s.db.Exec(`DELETE FROM entries WHERE hash = ?`, p.hash); err == nil {
			removed++
		}
	}
	return removed, nil
}

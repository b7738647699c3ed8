// Package store is the SQLite-backed persistence facade: it implements the
// hashid.Persister, user.Store, and history.Store interfaces the domain
// packages define, so those packages never import database/sql directly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/history"
	"github.com/hyperquantum/pmp/internal/pmp/user"
)

// Store persists all PMP server state in a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent access

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS hash (
	id INTEGER PRIMARY KEY,
	length INTEGER NOT NULL,
	sha1 BLOB NOT NULL,
	md5 BLOB NOT NULL,
	UNIQUE(sha1, md5, length)
);

CREATE TABLE IF NOT EXISTS hash_equivalence (
	hash_id_1 INTEGER NOT NULL,
	hash_id_2 INTEGER NOT NULL,
	PRIMARY KEY (hash_id_1, hash_id_2)
);

CREATE TABLE IF NOT EXISTS user (
	id INTEGER PRIMARY KEY,
	login TEXT NOT NULL UNIQUE,
	salt BLOB NOT NULL,
	password_hash BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	permillage INTEGER NOT NULL,
	valid_for_scoring INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_id ON history(id);
CREATE INDEX IF NOT EXISTS idx_history_user_hash ON history(user_id, hash_id);

CREATE TABLE IF NOT EXISTS user_hash_stats_cache (
	user_id INTEGER NOT NULL,
	hash_id INTEGER NOT NULL,
	last_history_id INTEGER NOT NULL,
	last_heard_unix_ms INTEGER NOT NULL,
	play_count_for_score INTEGER NOT NULL,
	average_permillage REAL NOT NULL,
	PRIMARY KEY (user_id, hash_id)
);

CREATE TABLE IF NOT EXISTS misc_data (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// --- hashid.Persister ---

// SaveHash implements hashid.Persister.
func (s *Store) SaveHash(id uint32, h hashid.FileHash) error {
	const q = `INSERT INTO hash (id, length, sha1, md5) VALUES (?, ?, ?, ?)`
	_, err := s.db.Exec(q, id, h.Length, h.SHA1[:], h.MD5[:])
	if err != nil {
		return fmt.Errorf("insert hash: %w", err)
	}
	return nil
}

// LoadHashes implements hashid.Persister.
func (s *Store) LoadHashes() (map[uint32]hashid.FileHash, error) {
	rows, err := s.db.Query(`SELECT id, length, sha1, md5 FROM hash`)
	if err != nil {
		return nil, fmt.Errorf("query hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]hashid.FileHash)
	for rows.Next() {
		var (
			id          uint32
			length      uint64
			sha1b, md5b []byte
		)
		if err := rows.Scan(&id, &length, &sha1b, &md5b); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		h, err := hashid.FromParts(length, sha1b, md5b)
		if err != nil {
			return nil, fmt.Errorf("reconstruct hash %d: %w", id, err)
		}
		out[id] = h
	}
	return out, rows.Err()
}

// SaveEquivalence persists one equivalence edge between two hash ids, used
// to warm hashid.Relations at startup alongside LoadHashes.
func (s *Store) SaveEquivalence(id1, id2 uint32) error {
	a, b := id1, id2
	if a > b {
		a, b = b, a
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO hash_equivalence (hash_id_1, hash_id_2) VALUES (?, ?)`, a, b)
	if err != nil {
		return fmt.Errorf("insert hash equivalence: %w", err)
	}
	return nil
}

// LoadEquivalences returns every persisted equivalence edge.
func (s *Store) LoadEquivalences() ([][2]uint32, error) {
	rows, err := s.db.Query(`SELECT hash_id_1, hash_id_2 FROM hash_equivalence`)
	if err != nil {
		return nil, fmt.Errorf("query hash equivalences: %w", err)
	}
	defer rows.Close()

	var out [][2]uint32
	for rows.Next() {
		var a, b uint32
		if err := rows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("scan hash equivalence: %w", err)
		}
		out = append(out, [2]uint32{a, b})
	}
	return out, rows.Err()
}

// --- user.Store ---

// LoadUsers implements user.Store.
func (s *Store) LoadUsers() ([]user.User, error) {
	rows, err := s.db.Query(`SELECT id, login, salt, password_hash FROM user`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Login, &u.Salt, &u.StoredPasswordHash); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveUser implements user.Store.
func (s *Store) SaveUser(u user.User) (uint32, error) {
	const q = `INSERT INTO user (login, salt, password_hash) VALUES (?, ?, ?)`
	result, err := s.db.Exec(q, u.Login, u.Salt, u.StoredPasswordHash)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return uint32(id), nil
}

// --- history.Store ---

// AppendHistory implements history.Store.
func (s *Store) AppendHistory(r history.Record) (uint32, error) {
	const q = `INSERT INTO history (hash_id, user_id, started_at_unix_ms, ended_at_unix_ms, permillage, valid_for_scoring) VALUES (?, ?, ?, ?, ?, ?)`
	validInt := 0
	if r.ValidForScoring {
		validInt = 1
	}
	result, err := s.db.Exec(q, r.HashID, r.UserID, r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(), r.Permillage, validInt)
	if err != nil {
		return 0, fmt.Errorf("insert history record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return uint32(id), nil
}

// HistoryRecordsAfter implements history.Store.
func (s *Store) HistoryRecordsAfter(id uint32, limit int) ([]history.Record, error) {
	const q = `SELECT id, hash_id, user_id, started_at_unix_ms, ended_at_unix_ms, permillage, valid_for_scoring
FROM history WHERE id > ? ORDER BY id LIMIT ?`
	rows, err := s.db.Query(q, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history after: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// HistoryRecordsForGroup implements history.Store.
func (s *Store) HistoryRecordsForGroup(userID uint32, hashIDs []uint32) ([]history.Record, error) {
	if len(hashIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(hashIDs))
	args := make([]any, 0, len(hashIDs)+1)
	args = append(args, userID)
	for i, h := range hashIDs {
		placeholders[i] = "?"
		args = append(args, h)
	}
	q := `SELECT id, hash_id, user_id, started_at_unix_ms, ended_at_unix_ms, permillage, valid_for_scoring
FROM history WHERE user_id = ? AND hash_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY id`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history for group: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

func scanHistoryRows(rows *sql.Rows) ([]history.Record, error) {
	var out []history.Record
	for rows.Next() {
		var (
			r                  history.Record
			startedMs, endedMs int64
			validInt           int
		)
		if err := rows.Scan(&r.ID, &r.HashID, &r.UserID, &startedMs, &endedMs, &r.Permillage, &validInt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedMs)
		r.EndedAt = time.UnixMilli(endedMs)
		r.ValidForScoring = validInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveCachedStats implements history.Store.
func (s *Store) SaveCachedStats(userID, hashID uint32, st history.Stats) error {
	const q = `INSERT INTO user_hash_stats_cache (user_id, hash_id, last_history_id, last_heard_unix_ms, play_count_for_score, average_permillage)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, hash_id) DO UPDATE SET
	last_history_id = excluded.last_history_id,
	last_heard_unix_ms = excluded.last_heard_unix_ms,
	play_count_for_score = excluded.play_count_for_score,
	average_permillage = excluded.average_permillage`
	_, err := s.db.Exec(q, userID, hashID, st.LastHistoryID, st.LastHeard.UnixMilli(), st.PlayCountForScore, st.AveragePermillage)
	if err != nil {
		return fmt.Errorf("upsert cached stats: %w", err)
	}
	return nil
}

// DeleteCachedStats implements history.Store.
func (s *Store) DeleteCachedStats(userID, hashID uint32) error {
	_, err := s.db.Exec(`DELETE FROM user_hash_stats_cache WHERE user_id = ? AND hash_id = ?`, userID, hashID)
	if err != nil {
		return fmt.Errorf("delete cached stats: %w", err)
	}
	return nil
}

// LoadCachedStats implements history.Store.
func (s *Store) LoadCachedStats(userID, hashID uint32) (history.Stats, bool, error) {
	const q = `SELECT last_history_id, last_heard_unix_ms, play_count_for_score, average_permillage
FROM user_hash_stats_cache WHERE user_id = ? AND hash_id = ?`
	var (
		st         history.Stats
		lastHeardMs int64
	)
	err := s.db.QueryRow(q, userID, hashID).Scan(&st.LastHistoryID, &lastHeardMs, &st.PlayCountForScore, &st.AveragePermillage)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Stats{}, false, nil
	}
	if err != nil {
		return history.Stats{}, false, fmt.Errorf("query cached stats: %w", err)
	}
	st.LastHeard = time.UnixMilli(lastHeardMs)
	return st, true, nil
}

// LatestHistoryID implements history.Store.
func (s *Store) LatestHistoryID() (uint32, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM history`).Scan(&id); err != nil {
		return 0, fmt.Errorf("query latest history id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return uint32(id.Int64), nil
}

// GetMisc implements history.Store.
func (s *Store) GetMisc(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM misc_data WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query misc_data: %w", err)
	}
	return val, true, nil
}

// CompareAndSetMisc implements history.Store: atomically updates key from
// oldVal to newVal, or inserts newVal if the key is absent and oldVal is
// "0" (the bookmark's initial sentinel).
func (s *Store) CompareAndSetMisc(key, oldVal, newVal string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT value FROM misc_data WHERE key = ?`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if oldVal != "0" {
			return false, nil
		}
		if _, err := tx.Exec(`INSERT INTO misc_data (key, value) VALUES (?, ?)`, key, newVal); err != nil {
			return false, fmt.Errorf("insert misc_data: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("query misc_data: %w", err)
	default:
		if current != oldVal {
			return false, nil
		}
		if _, err := tx.Exec(`UPDATE misc_data SET value = ? WHERE key = ?`, newVal, key); err != nil {
			return false, fmt.Errorf("update misc_data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// Package db caches the session list in a local SQLite database so the UI can
// start before the backend answers.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jwulff/consulta/internal/domain"
)

// MaxSessions is the number of sessions kept in the cache.
const MaxSessions = 10

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		messageCount INTEGER NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		updatedAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

const currentSessionKey = "current_session_id"

// Store is the local session cache.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the cache path inside stateDir.
func DefaultDBPath(stateDir string) string {
	return filepath.Join(stateDir, "consulta.sqlite")
}

// Open opens (creating if needed) the cache database with WAL.
// Pass ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSessions replaces the cached list and current session id. Only the
// first MaxSessions entries are kept.
func (s *Store) SaveSessions(sessions []domain.Session, currentID string) error {
	if len(sessions) > MaxSessions {
		sessions = sessions[:MaxSessions]
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	for _, sess := range sessions {
		if _, err := tx.Exec(`
			INSERT INTO sessions (id, title, messageCount, createdAt, updatedAt)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ID, sess.Title, sess.MessageCount, unixFromTime(sess.CreatedAt), unixFromTime(sess.UpdatedAt)); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, currentSessionKey, currentID); err != nil {
		return fmt.Errorf("save current session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sessions: %w", err)
	}
	return nil
}

// LoadSessions returns the cached sessions, most recently created first,
// and the cached current session id.
func (s *Store) LoadSessions() ([]domain.Session, string, error) {
	rows, err := s.db.Query(`
		SELECT id, title, messageCount, createdAt, updatedAt
		FROM sessions
		ORDER BY createdAt DESC
		LIMIT ?
	`, MaxSessions)
	if err != nil {
		return nil, "", fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt, updatedAt float64
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, "", fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = timeFromUnix(createdAt)
		sess.UpdatedAt = timeFromUnix(updatedAt)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate sessions: %w", err)
	}

	var currentID string
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, currentSessionKey).Scan(&currentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("query current session: %w", err)
	}

	// Never hand back a current id the list does not know about.
	found := false
	for _, sess := range sessions {
		if sess.ID == currentID {
			found = true
			break
		}
	}
	if !found {
		currentID = ""
	}

	return sessions, currentID, nil
}

// Clear empties the cache.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM sessions; DELETE FROM meta;`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func unixFromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

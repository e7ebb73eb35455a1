// Package sqlite is a durable store.Journal on a local SQLite file.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS envelopes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			data       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS envelopes_session ON envelopes(session_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create envelopes table: %w", err)
	}

	log.Info().Str("module", "store.sqlite").Str("path", path).Msg("journal opened")
	return &Journal{db: db, path: path}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) SaveSession(s *domain.CallSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.Exec(`
		INSERT INTO sessions (id, room_id, status, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		string(s.ID), string(s.RoomID), string(s.Status), string(data))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (j *Journal) DeleteSession(id domain.SessionID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM envelopes WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete envelopes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (j *Journal) AppendEnvelope(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.Exec(`INSERT OR IGNORE INTO envelopes (id, session_id, data) VALUES (?, ?, ?)`,
		env.ID, string(env.SessionID), string(data))
	if err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

func (j *Journal) Load() ([]*domain.CallSession, []domain.Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`SELECT data FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	var sessions []*domain.CallSession
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, nil, err
		}
		var s domain.CallSession
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = j.db.Query(`SELECT data FROM envelopes ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("load envelopes: %w", err)
	}
	defer rows.Close()
	var envs []domain.Envelope
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, nil, err
		}
		var e domain.Envelope
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, nil, fmt.Errorf("decode envelope: %w", err)
		}
		envs = append(envs, e)
	}
	return sessions, envs, rows.Err()
}

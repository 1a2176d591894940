// Package db persists sessions, feature windows and detection events to
// SQLite. The schema is managed by golang-migrate from the embedded
// migrations directory; the Recorder feeds the tables from the pipeline's
// sinks without touching the consumer goroutine.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/biostream/internal/feature"
	"github.com/banshee-data/biostream/internal/monitoring"
	"github.com/banshee-data/biostream/internal/pipeline"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the SQLite database at path and applies any
// pending migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	SessionID string     `json:"session_id"`
	Port      string     `json:"port"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// CreateSession inserts the session row at start time.
func (db *DB) CreateSession(sessionID, port string, startedAt time.Time, notes string) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, port, started_at, notes) VALUES (?, ?, ?, ?)`,
		sessionID, port, startedAt.UTC(), notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sessionID, err)
	}
	return nil
}

// CloseSession stamps the session's stop time.
func (db *DB) CloseSession(sessionID string, stoppedAt time.Time) error {
	res, err := db.Exec(
		`UPDATE sessions SET stopped_at = ? WHERE session_id = ?`,
		stoppedAt.UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// Sessions lists recorded sessions newest-first.
func (db *DB) Sessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT session_id, port, started_at, stopped_at, notes
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var stopped sql.NullTime
		if err := rows.Scan(&s.SessionID, &s.Port, &s.StartedAt, &stopped, &s.Notes); err != nil {
			return nil, err
		}
		if stopped.Valid {
			t := stopped.Time
			s.StoppedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// FeatureWindow is one row of the feature_windows table with the features
// decoded back out of their JSON column.
type FeatureWindow struct {
	SessionID string             `json:"session_id"`
	Channel   int                `json:"channel"`
	Modality  string             `json:"modality"`
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// RecordFeatureWindow inserts one extracted feature vector.
func (db *DB) RecordFeatureWindow(sessionID string, v feature.Vector) error {
	payload, err := json.Marshal(v.Values)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO feature_windows (session_id, channel, modality, timestamp, features)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, v.Channel, string(v.Kind), v.Timestamp.UTC(), string(payload),
	)
	return err
}

// FeatureWindows returns a session's feature vectors oldest-first,
// optionally restricted to one channel (channel < 0 means all).
func (db *DB) FeatureWindows(sessionID string, channel, limit int) ([]FeatureWindow, error) {
	if limit <= 0 {
		limit = 10000
	}
	query := `SELECT session_id, channel, modality, timestamp, features
		 FROM feature_windows WHERE session_id = ?`
	args := []any{sessionID}
	if channel >= 0 {
		query += ` AND channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY timestamp ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []FeatureWindow
	for rows.Next() {
		var w FeatureWindow
		var payload string
		if err := rows.Scan(&w.SessionID, &w.Channel, &w.Modality, &w.Timestamp, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &w.Features); err != nil {
			return nil, fmt.Errorf("corrupt features row for session %s: %w", sessionID, err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// RecordEvent inserts one detection event.
func (db *DB) RecordEvent(e pipeline.Event) error {
	_, err := db.Exec(
		`INSERT INTO events (session_id, channel, timestamp, label, confidence, source)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Channel, e.Timestamp.UTC(), e.Label, e.Confidence, e.Source,
	)
	return err
}

// Events returns a session's detection events oldest-first.
func (db *DB) Events(sessionID string, limit int) ([]pipeline.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(
		`SELECT session_id, channel, timestamp, label, confidence, source
		 FROM events WHERE session_id = ? ORDER BY timestamp ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var e pipeline.Event
		if err := rows.Scan(&e.SessionID, &e.Channel, &e.Timestamp, &e.Label, &e.Confidence, &e.Source); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("db: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", db.path), db.DB, &tailsql.DBOptions{
		Label: "Biostream DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}

/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package ledger records import sessions and the outcome of every item
// in a SQLite database, so failed uploads can be retried later.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	"github.com/timelinize/photoimport/importer"
	"github.com/timelinize/photoimport/upload"
	"go.uber.org/zap"
)

//go:embed schema.sql
var createDB string

// StatusUploaded is the ledger status of items the remote service accepted.
const StatusUploaded = "uploaded"

// ErrNoSession is returned when the ledger has no matching session.
var ErrNoSession = errors.New("no import session recorded")

// Ledger is a handle to the ledger database.
type Ledger struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

// Session is a recorded import run.
type Session struct {
	ID      string     `json:"id"`
	Source  string     `json:"source,omitempty"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
}

// Record is the last known state of one item.
type Record struct {
	SessionID   string    `json:"session_id"`
	ItemID      string    `json:"item_id"`
	Path        string    `json:"path,omitempty"`
	FileName    string    `json:"file_name"`
	Fingerprint *string   `json:"fingerprint,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Timestamp   *string   `json:"timestamp,omitempty"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Deferred    bool      `json:"deferred,omitempty"`
	Updated     time.Time `json:"updated"`
}

// Open opens (creating if needed) the ledger database at dbPath.
func Open(ctx context.Context, dbPath string, logger *zap.Logger) (*Ledger, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger folder: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createDB); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up database: %w", err)
	}

	logger = logger.Named("ledger")

	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version() AS version").Scan(&version); err == nil {
		logger.Debug("using sqlite", zap.String("version", version), zap.String("path", dbPath))
	}

	return &Ledger{db: db, log: logger}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// BeginSession records the start of a session. Beginning a session that
// already exists, as a retry does, leaves it unchanged.
func (l *Ledger) BeginSession(ctx context.Context, id, source string) error {
	l.mu.Lock()
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, source, started) VALUES (?, ?, ?)`,
		id, source, time.Now().UnixMilli())
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", id, err)
	}
	return nil
}

// EndSession records the end of a session.
func (l *Ledger) EndSession(ctx context.Context, id string) error {
	l.mu.Lock()
	_, err := l.db.ExecContext(ctx, `UPDATE sessions SET ended=? WHERE id=?`, time.Now().UnixMilli(), id)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	return nil
}

// RecordItems stores the current state of items in the session.
func (l *Ledger) RecordItems(ctx context.Context, sessionID string, items []importer.ImportItem) error {
	if len(items) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items
			(session_id, id, path, file_name, fingerprint, latitude, longitude, timestamp, status, message, deferred, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET
			fingerprint=excluded.fingerprint,
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			timestamp=excluded.timestamp,
			status=excluded.status,
			message=excluded.message,
			deferred=excluded.deferred,
			updated=excluded.updated`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, it := range items {
		var lat, lon *float64
		var ts *string
		if it.Exif != nil {
			lat, lon, ts = it.Exif.Latitude, it.Exif.Longitude, it.Exif.Timestamp
		}
		_, err := stmt.ExecContext(ctx,
			sessionID, it.ID, it.Buffer.Path, it.Buffer.FileName, it.Fingerprint,
			lat, lon, ts, string(it.Status), it.Message, it.Deferred, now)
		if err != nil {
			return fmt.Errorf("recording item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RecordResults stores upload outcomes for items already in the session.
func (l *Ledger) RecordResults(ctx context.Context, sessionID string, results []upload.Result) error {
	if len(results) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, res := range results {
		_, err := tx.ExecContext(ctx,
			`UPDATE items SET status=?, message=?, updated=? WHERE session_id=? AND id=?`,
			resultStatus(res.Status), res.Message, now, sessionID, res.ItemID)
		if err != nil {
			return fmt.Errorf("recording result for item %s: %w", res.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func resultStatus(s upload.TaskStatus) string {
	switch s {
	case upload.TaskSuccess:
		return StatusUploaded
	case upload.TaskDuplicate:
		return string(importer.StatusDuplicate)
	case upload.TaskError:
		return string(importer.StatusError)
	}
	return string(s)
}

// Failed returns the items of the session that ended in error and may
// succeed if tried again. Deferred items are not included.
func (l *Ledger) Failed(ctx context.Context, sessionID string) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, id, path, file_name, fingerprint, latitude, longitude, timestamp, status, message, deferred, updated
		FROM items
		WHERE session_id=? AND status=? AND deferred=0
		ORDER BY rowid`,
		sessionID, string(importer.StatusError))
	if err != nil {
		return nil, fmt.Errorf("querying failed items: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			path    sql.NullString
			message sql.NullString
			updated int64
		)
		err := rows.Scan(&rec.SessionID, &rec.ItemID, &path, &rec.FileName, &rec.Fingerprint,
			&rec.Latitude, &rec.Longitude, &rec.Timestamp, &rec.Status, &message, &rec.Deferred, &updated)
		if err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		rec.Path, rec.Message = path.String, message.String
		rec.Updated = time.UnixMilli(updated)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating item rows: %w", err)
	}
	return records, nil
}

// Session returns the session with the given ID.
func (l *Ledger) Session(ctx context.Context, id string) (Session, error) {
	return l.querySession(ctx, `SELECT id, source, started, ended FROM sessions WHERE id=? LIMIT 1`, id)
}

// LatestSession returns the most recently started session.
func (l *Ledger) LatestSession(ctx context.Context) (Session, error) {
	return l.querySession(ctx, `SELECT id, source, started, ended FROM sessions ORDER BY started DESC, rowid DESC LIMIT 1`)
}

func (l *Ledger) querySession(ctx context.Context, query string, args ...any) (Session, error) {
	var (
		sess    Session
		source  sql.NullString
		started int64
		ended   sql.NullInt64
	)
	l.mu.RLock()
	err := l.db.QueryRowContext(ctx, query, args...).Scan(&sess.ID, &source, &started, &ended)
	l.mu.RUnlock()
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying session: %w", err)
	}
	sess.Source = source.String
	sess.Started = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		sess.Ended = &t
	}
	return sess, nil
}

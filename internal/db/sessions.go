package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bioforge-data/emgrip/internal/emg"
)

// Session is one recorded device session.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Mode      int        `json:"mode"`
	Channels  int        `json:"channels"`
	Notes     string     `json:"notes"`
}

// GestureEventRow is one persisted gesture change.
type GestureEventRow struct {
	SessionID  string    `json:"session_id"`
	At         time.Time `json:"at"`
	GestureID  int       `json:"gesture_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
}

// CreateSession opens a new session row and returns its id.
func (db *DB) CreateSession(mode, channels int, notes string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (id, started_at, mode, channels, notes) VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), mode, channels, notes,
	)
	if err != nil {
		return "", fmt.Errorf("db: create session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: end session: no session %s", id)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(
		`SELECT id, started_at, ended_at, mode, channels, notes FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("db: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.StartedAt, &ended, &s.Mode, &s.Channels, &s.Notes); err != nil {
			return nil, fmt.Errorf("db: scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionDetail returns one session with its reading and event counts.
type SessionDetail struct {
	Session
	ReadingCount int64 `json:"reading_count"`
	EventCount   int64 `json:"event_count"`
}

// GetSessionDetail loads one session and its per-table counts.
func (db *DB) GetSessionDetail(id string) (SessionDetail, error) {
	var d SessionDetail
	var ended sql.NullTime
	err := db.QueryRow(
		`SELECT id, started_at, ended_at, mode, channels, notes FROM sessions WHERE id = ?`, id,
	).Scan(&d.ID, &d.StartedAt, &ended, &d.Mode, &d.Channels, &d.Notes)
	if err != nil {
		return SessionDetail{}, fmt.Errorf("db: session %s: %w", id, err)
	}
	if ended.Valid {
		t := ended.Time
		d.EndedAt = &t
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM readings WHERE session_id = ?`, id).Scan(&d.ReadingCount); err != nil {
		return SessionDetail{}, fmt.Errorf("db: session reading count: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM gesture_events WHERE session_id = ?`, id).Scan(&d.EventCount); err != nil {
		return SessionDetail{}, fmt.Errorf("db: session event count: %w", err)
	}
	return d, nil
}

// encodeChannels renders amplitudes the way the wire carries them, so a
// stored row replays byte-identically into the parser.
func encodeChannels(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strings.Join(parts, ",")
}

// InsertReading stores one reading under a session with its arrival sequence.
func (db *DB) InsertReading(sessionID string, seq int64, r emg.Reading) error {
	_, err := db.Exec(
		`INSERT INTO readings (session_id, seq, at, channels) VALUES (?, ?, ?, ?)`,
		sessionID, seq, r.At.UTC(), encodeChannels(r.Values),
	)
	if err != nil {
		return fmt.Errorf("db: insert reading: %w", err)
	}
	return nil
}

// InsertReadingBatch stores readings in one transaction, preserving slice
// order in the seq column starting at firstSeq.
func (db *DB) InsertReadingBatch(sessionID string, firstSeq int64, readings []emg.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("db: begin reading batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO readings (session_id, seq, at, channels) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("db: prepare reading batch: %w", err)
	}
	defer stmt.Close()

	for i, r := range readings {
		if _, err := stmt.Exec(sessionID, firstSeq+int64(i), r.At.UTC(), encodeChannels(r.Values)); err != nil {
			return fmt.Errorf("db: insert reading %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SessionReadings loads a session's readings in sequence order.
func (db *DB) SessionReadings(sessionID string) ([]emg.Reading, error) {
	rows, err := db.Query(
		`SELECT at, channels FROM readings WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("db: session readings: %w", err)
	}
	defer rows.Close()

	var readings []emg.Reading
	for rows.Next() {
		var at time.Time
		var channels string
		if err := rows.Scan(&at, &channels); err != nil {
			return nil, fmt.Errorf("db: scan reading: %w", err)
		}
		values, err := decodeChannels(channels)
		if err != nil {
			return nil, err
		}
		readings = append(readings, emg.Reading{Values: values, At: at})
	}
	return readings, rows.Err()
}

func decodeChannels(encoded string) ([]float64, error) {
	parts := strings.Split(encoded, ",")
	values := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("db: corrupt channel data %q: %w", encoded, err)
		}
		values[i] = v
	}
	return values, nil
}

// InsertGestureEvent stores one settled gesture change.
func (db *DB) InsertGestureEvent(sessionID string, at time.Time, gestureID int, label string, confidence float64) error {
	_, err := db.Exec(
		`INSERT INTO gesture_events (session_id, at, gesture_id, label, confidence) VALUES (?, ?, ?, ?, ?)`,
		sessionID, at.UTC(), gestureID, label, confidence,
	)
	if err != nil {
		return fmt.Errorf("db: insert gesture event: %w", err)
	}
	return nil
}

// SessionGestureEvents loads a session's gesture changes in time order.
func (db *DB) SessionGestureEvents(sessionID string) ([]GestureEventRow, error) {
	rows, err := db.Query(
		`SELECT session_id, at, gesture_id, label, confidence FROM gesture_events WHERE session_id = ? ORDER BY at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("db: session gesture events: %w", err)
	}
	defer rows.Close()

	var events []GestureEventRow
	for rows.Next() {
		var ev GestureEventRow
		if err := rows.Scan(&ev.SessionID, &ev.At, &ev.GestureID, &ev.Label, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("db: scan gesture event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertLabeledWindow stores one feature vector labeled for offline training.
// Features are encoded as the CSV text of the vector; the training pipeline
// reads them back column-wise.
func (db *DB) InsertLabeledWindow(sessionID string, gestureID, rep int, features []float64) error {
	parts := make([]string, len(features))
	for i, v := range features {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	_, err := db.Exec(
		`INSERT INTO labeled_windows (session_id, gesture_id, rep, features, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, gestureID, rep, []byte(strings.Join(parts, ",")), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("db: insert labeled window: %w", err)
	}
	return nil
}

// LabeledWindowCount returns how many labeled windows exist for a gesture.
func (db *DB) LabeledWindowCount(gestureID int) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM labeled_windows WHERE gesture_id = ?`, gestureID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db: labeled window count: %w", err)
	}
	return n, nil
}

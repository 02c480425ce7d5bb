package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"panicrelay/relay"
)

// DB wraps sql.DB
type DB struct {
	*sql.DB
}

// CallRecord is one placed call in the journal.
type CallRecord struct {
	CallSID   string     `json:"callSid"`
	SessionID string     `json:"sessionId"`
	To        string     `json:"to"`
	Status    string     `json:"status"`
	SMSSID    string     `json:"smsSid,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// EventRecord is one journal line.
type EventRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	CallSID   string    `json:"callSid,omitempty"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// InitDB opens the database and runs migrations
func InitDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; the journal worker is the only one anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{sqlDB}

	if err := db.runMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *DB) runMigrations() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		call_sid TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		to_number TEXT NOT NULL,
		status TEXT NOT NULL,
		sms_sid TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		call_sid TEXT,
		kind TEXT NOT NULL,
		status TEXT,
		detail TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calls_created ON calls(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_call ON events(call_sid);
	`

	_, err := db.Exec(schema)
	return err
}

// RecordEvent journals a session event and keeps the calls table current.
func (db *DB) RecordEvent(ev relay.Event) error {
	detail := ""
	if ev.Err != nil {
		detail = ev.Err.Error()
	} else if ev.SMSID != "" {
		detail = ev.SMSID
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO events (session_id, call_sid, kind, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.SessionID, nullString(ev.CallID), string(ev.Kind), nullString(ev.Status), nullString(detail), ev.At.UTC()); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	switch ev.Kind {
	case relay.EventCallPlaced:
		_, err = tx.Exec(`
			INSERT INTO calls (call_sid, session_id, to_number, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(call_sid) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
		`, ev.CallID, ev.SessionID, ev.To, ev.Status, ev.At.UTC(), ev.At.UTC())
	case relay.EventStatus:
		if relay.IsTerminalStatus(ev.Status) {
			_, err = tx.Exec(`UPDATE calls SET status = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?) WHERE call_sid = ?`,
				ev.Status, ev.At.UTC(), ev.At.UTC(), ev.CallID)
		} else {
			_, err = tx.Exec(`UPDATE calls SET status = ?, updated_at = ? WHERE call_sid = ?`,
				ev.Status, ev.At.UTC(), ev.CallID)
		}
	case relay.EventTerminated:
		if ev.Err == nil {
			_, err = tx.Exec(`UPDATE calls SET status = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?) WHERE call_sid = ?`,
				"terminated", ev.At.UTC(), ev.At.UTC(), ev.CallID)
		}
	case relay.EventSMSSent:
		// Standalone messages carry no call id and only get an event row.
		if ev.CallID != "" {
			_, err = tx.Exec(`UPDATE calls SET sms_sid = ?, updated_at = ? WHERE call_sid = ?`,
				ev.SMSID, ev.At.UTC(), ev.CallID)
		}
	}
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	return tx.Commit()
}

// ListCalls returns the most recent calls, newest first.
func (db *DB) ListCalls(limit int) ([]CallRecord, error) {
	rows, err := db.Query(`
		SELECT call_sid, session_id, to_number, status, sms_sid, created_at, updated_at, ended_at
		FROM calls ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

// GetCall retrieves a call by SID.
func (db *DB) GetCall(callSID string) (*CallRecord, error) {
	row := db.QueryRow(`
		SELECT call_sid, session_id, to_number, status, sms_sid, created_at, updated_at, ended_at
		FROM calls WHERE call_sid = ?
	`, callSID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// CallEvents returns the journal of one call in order.
func (db *DB) CallEvents(callSID string) ([]EventRecord, error) {
	rows, err := db.Query(`
		SELECT id, session_id, call_sid, kind, status, detail, created_at
		FROM events WHERE call_sid = ? ORDER BY id
	`, callSID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			e                      EventRecord
			callSid, status, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &callSid, &e.Kind, &status, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CallSID, e.Status, e.Detail = callSid.String, status.String, detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*CallRecord, error) {
	var (
		c      CallRecord
		smsSID sql.NullString
		ended  sql.NullTime
	)
	if err := s.Scan(&c.CallSID, &c.SessionID, &c.To, &c.Status, &smsSID, &c.CreatedAt, &c.UpdatedAt, &ended); err != nil {
		return nil, err
	}
	c.SMSSID = smsSID.String
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return &c, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

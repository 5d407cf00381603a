// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package persistence is the sqlite-backed store for service snapshots,
// tag history, the audit trail and alarm records. All timestamps are
// stored in UTC.
package persistence

import (
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// sqlite driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS service_snapshots (
	service     TEXT PRIMARY KEY,
	state       INTEGER NOT NULL,
	procedure   INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tag_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tag        TEXT NOT NULL,
	value      REAL,
	quality    INTEGER NOT NULL,
	timestamp  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tag_history_tag_ts ON tag_history(tag, timestamp);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TIMESTAMP NOT NULL,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	target     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(timestamp);

CREATE TABLE IF NOT EXISTS alarms (
	id             TEXT PRIMARY KEY,
	source_tag     TEXT NOT NULL,
	priority       INTEGER NOT NULL,
	message        TEXT NOT NULL,
	state          TEXT NOT NULL,
	raised_at      TIMESTAMP NOT NULL,
	acked_at       TIMESTAMP,
	acked_by       TEXT NOT NULL DEFAULT '',
	cleared_at     TIMESTAMP,
	shelved_until  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_alarms_state ON alarms(state);
`

// Store wraps the sqlite database
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

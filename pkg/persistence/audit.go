// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package persistence

import (
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/util/scrubber"
)

// AuditEntry records one operator-visible action: a command, a tag write,
// an alarm acknowledgement, an emergency stop.
type AuditEntry struct {
	ID        int64     `db:"id"`
	Timestamp time.Time `db:"timestamp"`
	Actor     string    `db:"actor"`
	Action    string    `db:"action"`
	Target    string    `db:"target"`
	Detail    string    `db:"detail"`
	Success   bool      `db:"success"`
}

// AppendAudit writes one entry. The detail string is scrubbed of
// credentials before it reaches the database.
func (s *Store) AppendAudit(e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Detail = scrubber.ScrubString(e.Detail)
	_, err := s.db.NamedExec(`
		INSERT INTO audit_log (timestamp, actor, action, target, detail, success)
		VALUES (:timestamp, :actor, :action, :target, :detail, :success)`, e)
	return errors.Wrap(err, "appending audit entry")
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	Actor  string
	Action string
	Target string
	From   time.Time
	To     time.Time
	Limit  int
}

// QueryAudit returns matching entries, newest first
func (s *Store) QueryAudit(f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT * FROM audit_log WHERE 1=1`
	var args []interface{}
	if f.Actor != "" {
		q += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.Target != "" {
		q += ` AND target = ?`
		args = append(args, f.Target)
	}
	if !f.From.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, f.To.UTC())
	}
	q += ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var out []AuditEntry
	err := s.db.Select(&out, q, args...)
	return out, errors.Wrap(err, "querying audit log")
}

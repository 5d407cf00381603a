// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package persistence

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// AlarmState is the lifecycle state of an alarm record
type AlarmState string

// Alarm lifecycle states per ISA-18.2
const (
	AlarmActive  AlarmState = "ACTIVE"
	AlarmAcked   AlarmState = "ACKED"
	AlarmCleared AlarmState = "CLEARED"
	AlarmShelved AlarmState = "SHELVED"
)

// AlarmRecord is one alarm instance. The ID is stable for a given source
// and limit, so a re-raise of the same condition replaces the record.
type AlarmRecord struct {
	ID           string       `db:"id"`
	SourceTag    string       `db:"source_tag"`
	Priority     int          `db:"priority"`
	Message      string       `db:"message"`
	State        AlarmState   `db:"state"`
	RaisedAt     time.Time    `db:"raised_at"`
	AckedAt      sql.NullTime `db:"acked_at"`
	AckedBy      string       `db:"acked_by"`
	ClearedAt    sql.NullTime `db:"cleared_at"`
	ShelvedUntil sql.NullTime `db:"shelved_until"`
}

// AlarmRepository stores alarm records. The sqlite store and the
// in-memory repository both satisfy it.
type AlarmRepository interface {
	UpsertAlarm(rec AlarmRecord) error
	GetAlarm(id string) (AlarmRecord, bool, error)
	ListAlarms(includeCleared bool) ([]AlarmRecord, error)
	UpdateAlarmState(id string, state AlarmState, at time.Time, by string) error
	ShelveAlarm(id string, until time.Time) error
}

// UpsertAlarm inserts or replaces the record for the alarm's ID
func (s *Store) UpsertAlarm(rec AlarmRecord) error {
	rec.RaisedAt = rec.RaisedAt.UTC()
	_, err := s.db.NamedExec(`
		INSERT INTO alarms (id, source_tag, priority, message, state, raised_at, acked_at, acked_by, cleared_at, shelved_until)
		VALUES (:id, :source_tag, :priority, :message, :state, :raised_at, :acked_at, :acked_by, :cleared_at, :shelved_until)
		ON CONFLICT(id) DO UPDATE SET
			source_tag = excluded.source_tag,
			priority = excluded.priority,
			message = excluded.message,
			state = excluded.state,
			raised_at = excluded.raised_at,
			acked_at = excluded.acked_at,
			acked_by = excluded.acked_by,
			cleared_at = excluded.cleared_at,
			shelved_until = excluded.shelved_until`, rec)
	return errors.Wrapf(err, "upserting alarm %s", rec.ID)
}

// GetAlarm returns one alarm record by ID
func (s *Store) GetAlarm(id string) (AlarmRecord, bool, error) {
	var rec AlarmRecord
	err := s.db.Get(&rec, `SELECT * FROM alarms WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return AlarmRecord{}, false, nil
	}
	if err != nil {
		return AlarmRecord{}, false, errors.Wrapf(err, "loading alarm %s", id)
	}
	return rec, true, nil
}

// ListAlarms returns alarms ordered by priority then raise time. Cleared
// alarms are excluded unless requested.
func (s *Store) ListAlarms(includeCleared bool) ([]AlarmRecord, error) {
	q := `SELECT * FROM alarms`
	if !includeCleared {
		q += ` WHERE state != 'CLEARED'`
	}
	q += ` ORDER BY priority, raised_at`
	var out []AlarmRecord
	err := s.db.Select(&out, q)
	return out, errors.Wrap(err, "listing alarms")
}

// UpdateAlarmState moves an alarm to a new lifecycle state
func (s *Store) UpdateAlarmState(id string, state AlarmState, at time.Time, by string) error {
	at = at.UTC()
	var res sql.Result
	var err error
	switch state {
	case AlarmAcked:
		res, err = s.db.Exec(`UPDATE alarms SET state = ?, acked_at = ?, acked_by = ? WHERE id = ?`, state, at, by, id)
	case AlarmCleared:
		res, err = s.db.Exec(`UPDATE alarms SET state = ?, cleared_at = ? WHERE id = ?`, state, at, id)
	default:
		res, err = s.db.Exec(`UPDATE alarms SET state = ? WHERE id = ?`, state, id)
	}
	if err != nil {
		return errors.Wrapf(err, "updating alarm %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("alarm %s not found", id)
	}
	return nil
}

// ShelveAlarm shelves an alarm until the given time
func (s *Store) ShelveAlarm(id string, until time.Time) error {
	res, err := s.db.Exec(`UPDATE alarms SET state = ?, shelved_until = ? WHERE id = ?`, AlarmShelved, until.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "shelving alarm %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("alarm %s not found", id)
	}
	return nil
}

// MemoryAlarmRepository keeps alarm records in memory, for deployments
// that run without a database path configured.
type MemoryAlarmRepository struct {
	mu      sync.RWMutex
	records map[string]AlarmRecord
}

// NewMemoryAlarmRepository returns an empty in-memory repository
func NewMemoryAlarmRepository() *MemoryAlarmRepository {
	return &MemoryAlarmRepository{records: map[string]AlarmRecord{}}
}

// UpsertAlarm implements AlarmRepository
func (r *MemoryAlarmRepository) UpsertAlarm(rec AlarmRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	return nil
}

// GetAlarm implements AlarmRepository
func (r *MemoryAlarmRepository) GetAlarm(id string) (AlarmRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok, nil
}

// ListAlarms implements AlarmRepository
func (r *MemoryAlarmRepository) ListAlarms(includeCleared bool) ([]AlarmRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AlarmRecord, 0, len(r.records))
	for _, rec := range r.records {
		if !includeCleared && rec.State == AlarmCleared {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out, nil
}

// UpdateAlarmState implements AlarmRepository
func (r *MemoryAlarmRepository) UpdateAlarmState(id string, state AlarmState, at time.Time, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return errors.Errorf("alarm %s not found", id)
	}
	rec.State = state
	switch state {
	case AlarmAcked:
		rec.AckedAt = sql.NullTime{Time: at.UTC(), Valid: true}
		rec.AckedBy = by
	case AlarmCleared:
		rec.ClearedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	r.records[id] = rec
	return nil
}

// ShelveAlarm implements AlarmRepository
func (r *MemoryAlarmRepository) ShelveAlarm(id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return errors.Errorf("alarm %s not found", id)
	}
	rec.State = AlarmShelved
	rec.ShelvedUntil = sql.NullTime{Time: until.UTC(), Valid: true}
	r.records[id] = rec
	return nil
}

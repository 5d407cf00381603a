// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package persistence

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// ServiceSnapshot is the persisted runtime state of one service, written
// after every transition and restored on startup.
type ServiceSnapshot struct {
	Service   string    `db:"service"`
	State     int       `db:"state"`
	Procedure int       `db:"procedure"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SaveSnapshot upserts the snapshot for a service
func (s *Store) SaveSnapshot(snap ServiceSnapshot) error {
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO service_snapshots (service, state, procedure, updated_at)
		VALUES (:service, :state, :procedure, :updated_at)
		ON CONFLICT(service) DO UPDATE SET
			state = excluded.state,
			procedure = excluded.procedure,
			updated_at = excluded.updated_at`, snap)
	return errors.Wrapf(err, "saving snapshot for %s", snap.Service)
}

// LoadSnapshot returns the snapshot for a service; found is false when
// none was ever written.
func (s *Store) LoadSnapshot(service string) (ServiceSnapshot, bool, error) {
	var snap ServiceSnapshot
	err := s.db.Get(&snap, `SELECT * FROM service_snapshots WHERE service = ?`, service)
	if err == sql.ErrNoRows {
		return ServiceSnapshot{}, false, nil
	}
	if err != nil {
		return ServiceSnapshot{}, false, errors.Wrapf(err, "loading snapshot for %s", service)
	}
	return snap, true, nil
}

// LoadSnapshots returns every persisted snapshot
func (s *Store) LoadSnapshots() ([]ServiceSnapshot, error) {
	var snaps []ServiceSnapshot
	err := s.db.Select(&snaps, `SELECT * FROM service_snapshots ORDER BY service`)
	return snaps, errors.Wrap(err, "loading snapshots")
}

// DeleteSnapshot removes the snapshot after it was restored
func (s *Store) DeleteSnapshot(service string) error {
	_, err := s.db.Exec(`DELETE FROM service_snapshots WHERE service = ?`, service)
	return errors.Wrapf(err, "deleting snapshot for %s", service)
}

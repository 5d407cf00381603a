// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package persistence

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.LoadSnapshot("dose")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveSnapshot(ServiceSnapshot{Service: "dose", State: 3, Procedure: 1}))
	require.NoError(t, s.SaveSnapshot(ServiceSnapshot{Service: "dose", State: 7, Procedure: 2}))

	snap, found, err := s.LoadSnapshot("dose")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, snap.State)
	assert.Equal(t, 2, snap.Procedure)
	assert.False(t, snap.UpdatedAt.IsZero())

	require.NoError(t, s.SaveSnapshot(ServiceSnapshot{Service: "mix", State: 1}))
	snaps, err := s.LoadSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	require.NoError(t, s.DeleteSnapshot("dose"))
	_, found, err = s.LoadSnapshot("dose")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHistoryInsertAndQuery(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var samples []HistorySample
	for i := 0; i < 10; i++ {
		samples = append(samples, NewHistorySample("reactor.temp", tag.Value{
			Value:     float64(20 + i),
			Quality:   tag.QualityGood,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.InsertSamples(samples))

	out, err := s.QueryHistory("reactor.temp", base, base.Add(4*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, 20.0, out[0].Value.Float64)
	assert.Equal(t, 24.0, out[4].Value.Float64)

	out, err = s.QueryHistory("reactor.temp", base, base.Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = s.QueryHistory("other.tag", base, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHistoryAggregation(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// two 5s buckets: values 1..5 then 11..15
	var samples []HistorySample
	for i := 0; i < 5; i++ {
		samples = append(samples, HistorySample{
			Tag:       "t",
			Value:     sql.NullFloat64{Float64: float64(i + 1), Valid: true},
			Quality:   int(tag.QualityGood),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		samples = append(samples, HistorySample{
			Tag:       "t",
			Value:     sql.NullFloat64{Float64: float64(i + 11), Valid: true},
			Quality:   int(tag.QualityGood),
			Timestamp: base.Add(5*time.Second + time.Duration(i)*time.Second),
		})
	}
	require.NoError(t, s.InsertSamples(samples))

	pts, err := s.QueryAggregated("t", base, base.Add(time.Minute), 5*time.Second, AggAvg)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.InDelta(t, 3.0, pts[0].Value, 1e-9)
	assert.InDelta(t, 13.0, pts[1].Value, 1e-9)
	assert.Equal(t, 5, pts[0].Count)
	assert.True(t, pts[1].BucketStart.Sub(pts[0].BucketStart) == 5*time.Second)

	pts, err = s.QueryAggregated("t", base, base.Add(time.Minute), 5*time.Second, AggMax)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.InDelta(t, 5.0, pts[0].Value, 1e-9)
	assert.InDelta(t, 15.0, pts[1].Value, 1e-9)

	pts, err = s.QueryAggregated("t", base, base.Add(time.Minute), 5*time.Second, AggFirst)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.InDelta(t, 1.0, pts[0].Value, 1e-9)
	assert.InDelta(t, 11.0, pts[1].Value, 1e-9)

	pts, err = s.QueryAggregated("t", base, base.Add(time.Minute), 5*time.Second, AggLast)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.InDelta(t, 5.0, pts[0].Value, 1e-9)

	// rejected bucket widths and aggregations
	_, err = s.QueryAggregated("t", base, base.Add(time.Minute), 7*time.Second, AggAvg)
	assert.Error(t, err)
	_, err = s.QueryAggregated("t", base, base.Add(time.Minute), 5*time.Second, Aggregation("median"))
	assert.Error(t, err)
}

func TestHistoryPrune(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertSamples([]HistorySample{
		{Tag: "t", Value: sql.NullFloat64{Float64: 1, Valid: true}, Timestamp: base},
		{Tag: "t", Value: sql.NullFloat64{Float64: 2, Valid: true}, Timestamp: base.Add(time.Hour)},
	}))
	n, err := s.PruneHistory(base.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAuditAppendAndQuery(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendAudit(AuditEntry{Actor: "op1", Action: "command", Target: "dose", Detail: "START", Success: true}))
	require.NoError(t, s.AppendAudit(AuditEntry{Actor: "op2", Action: "write", Target: "tank.sp", Detail: "42", Success: true}))
	require.NoError(t, s.AppendAudit(AuditEntry{Actor: "op1", Action: "command", Target: "mix", Detail: "ABORT", Success: false}))

	all, err := s.QueryAudit(AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byActor, err := s.QueryAudit(AuditFilter{Actor: "op1"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byAction, err := s.QueryAudit(AuditFilter{Action: "write"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "tank.sp", byAction[0].Target)

	limited, err := s.QueryAudit(AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// newest first
	assert.Equal(t, "mix", limited[0].Target)
}

func TestAuditScrubsSecrets(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendAudit(AuditEntry{
		Actor:  "system",
		Action: "config_reload",
		Target: "gateway",
		Detail: `password: "hunter2"`,
	}))
	out, err := s.QueryAudit(AuditFilter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotContains(t, out[0].Detail, "hunter2")
}

func TestAlarmRepositories(t *testing.T) {
	s := openTestStore(t)
	repos := map[string]AlarmRepository{
		"sqlite": s,
		"memory": NewMemoryAlarmRepository(),
	}
	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, repo.UpsertAlarm(AlarmRecord{
				ID: "temp_HH", SourceTag: "reactor.temp", Priority: 1,
				Message: "high high limit", State: AlarmActive, RaisedAt: now,
			}))
			require.NoError(t, repo.UpsertAlarm(AlarmRecord{
				ID: "temp_H", SourceTag: "reactor.temp", Priority: 2,
				Message: "high limit", State: AlarmActive, RaisedAt: now.Add(time.Second),
			}))

			rec, found, err := repo.GetAlarm("temp_HH")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, AlarmActive, rec.State)

			list, err := repo.ListAlarms(false)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "temp_HH", list[0].ID, "priority 1 first")

			require.NoError(t, repo.UpdateAlarmState("temp_HH", AlarmAcked, now.Add(time.Minute), "op1"))
			rec, _, err = repo.GetAlarm("temp_HH")
			require.NoError(t, err)
			assert.Equal(t, AlarmAcked, rec.State)
			assert.Equal(t, "op1", rec.AckedBy)
			assert.True(t, rec.AckedAt.Valid)

			require.NoError(t, repo.UpdateAlarmState("temp_H", AlarmCleared, now.Add(time.Minute), ""))
			list, err = repo.ListAlarms(false)
			require.NoError(t, err)
			assert.Len(t, list, 1)
			list, err = repo.ListAlarms(true)
			require.NoError(t, err)
			assert.Len(t, list, 2)

			require.NoError(t, repo.ShelveAlarm("temp_HH", now.Add(time.Hour)))
			rec, _, err = repo.GetAlarm("temp_HH")
			require.NoError(t, err)
			assert.Equal(t, AlarmShelved, rec.State)
			assert.True(t, rec.ShelvedUntil.Valid)

			assert.Error(t, repo.UpdateAlarmState("nope", AlarmAcked, now, ""))
			assert.Error(t, repo.ShelveAlarm("nope", now))
		})
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// HistorySample is one persisted tag sample. Only numeric values are
// historized; Value is null for samples recorded with bad quality.
type HistorySample struct {
	Tag       string          `db:"tag"`
	Value     sql.NullFloat64 `db:"value"`
	Quality   int             `db:"quality"`
	Timestamp time.Time       `db:"timestamp"`
}

// NewHistorySample builds a sample from a live tag value
func NewHistorySample(name string, v tag.Value) HistorySample {
	s := HistorySample{
		Tag:       name,
		Quality:   int(v.Quality),
		Timestamp: v.Timestamp.UTC(),
	}
	if f, err := tag.ToFloat64(v.Value); err == nil {
		s.Value = sql.NullFloat64{Float64: f, Valid: true}
	}
	return s
}

// InsertSamples writes a batch of samples in one transaction
func (s *Store) InsertSamples(samples []HistorySample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "beginning history transaction")
	}
	for i := range samples {
		samples[i].Timestamp = samples[i].Timestamp.UTC()
	}
	_, err = tx.NamedExec(`
		INSERT INTO tag_history (tag, value, quality, timestamp)
		VALUES (:tag, :value, :quality, :timestamp)`, samples)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "inserting history samples")
	}
	return errors.Wrap(tx.Commit(), "committing history samples")
}

// QueryHistory returns raw samples for a tag in [from, to], oldest first,
// capped at limit (0 means no cap).
func (s *Store) QueryHistory(tagName string, from, to time.Time, limit int) ([]HistorySample, error) {
	q := `SELECT tag, value, quality, timestamp FROM tag_history
		WHERE tag = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`
	args := []interface{}{tagName, from.UTC(), to.UTC()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []HistorySample
	err := s.db.Select(&out, q, args...)
	return out, errors.Wrapf(err, "querying history for %s", tagName)
}

// Aggregation is a bucket reduction function
type Aggregation string

// Supported aggregations
const (
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
	AggFirst Aggregation = "first"
	AggLast  Aggregation = "last"
)

var aggExprs = map[Aggregation]string{
	AggAvg:   "AVG(value)",
	AggMin:   "MIN(value)",
	AggMax:   "MAX(value)",
	AggSum:   "SUM(value)",
	AggCount: "COUNT(value)",
	// sqlite bare-column semantics: MIN/MAX of the timestamp selects the
	// value from that same row
	AggFirst: "value, MIN(timestamp)",
	AggLast:  "value, MAX(timestamp)",
}

// bucketSizes is the closed set of accepted bucket widths
var bucketSizes = map[time.Duration]struct{}{
	time.Second:        {},
	5 * time.Second:    {},
	10 * time.Second:   {},
	30 * time.Second:   {},
	time.Minute:        {},
	5 * time.Minute:    {},
	15 * time.Minute:   {},
	30 * time.Minute:   {},
	time.Hour:          {},
	4 * time.Hour:      {},
	24 * time.Hour:     {},
}

// ParseBucket validates a bucket width against the accepted set
func ParseBucket(d time.Duration) error {
	if _, ok := bucketSizes[d]; !ok {
		return errors.Errorf("unsupported bucket width %s", d)
	}
	return nil
}

// ParseBucketString parses a bucket width such as "5s", "15m" or "1d"
func ParseBucketString(s string) (time.Duration, error) {
	if s == "1d" {
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid bucket width %q", s)
	}
	if err := ParseBucket(d); err != nil {
		return 0, err
	}
	return d, nil
}

// AggregatedPoint is one bucket of aggregated history
type AggregatedPoint struct {
	BucketStart time.Time `db:"bucket_start"`
	Value       float64   `db:"agg_value"`
	Count       int       `db:"sample_count"`
}

// QueryAggregated reduces the tag's history over fixed-width buckets.
// Buckets with no samples are omitted.
func (s *Store) QueryAggregated(tagName string, from, to time.Time, bucket time.Duration, agg Aggregation) ([]AggregatedPoint, error) {
	if err := ParseBucket(bucket); err != nil {
		return nil, err
	}
	expr, ok := aggExprs[agg]
	if !ok {
		return nil, errors.Errorf("unsupported aggregation %q", agg)
	}
	secs := int64(bucket / time.Second)
	q := fmt.Sprintf(`
		SELECT
			(CAST(strftime('%%s', timestamp) AS INTEGER) / %d) * %d AS bucket_epoch,
			%s AS agg_value,
			COUNT(value) AS sample_count
		FROM tag_history
		WHERE tag = ? AND timestamp >= ? AND timestamp <= ? AND value IS NOT NULL
		GROUP BY bucket_epoch
		ORDER BY bucket_epoch`, secs, secs, expr)

	rows, err := s.db.Queryx(q, tagName, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "aggregating history for %s", tagName)
	}
	defer rows.Close()

	var out []AggregatedPoint
	for rows.Next() {
		var p AggregatedPoint
		var epoch int64
		if agg == AggFirst || agg == AggLast {
			var ts interface{}
			if err := rows.Scan(&epoch, &p.Value, &ts, &p.Count); err != nil {
				return nil, errors.Wrap(err, "scanning aggregate row")
			}
		} else {
			if err := rows.Scan(&epoch, &p.Value, &p.Count); err != nil {
				return nil, errors.Wrap(err, "scanning aggregate row")
			}
		}
		p.BucketStart = time.Unix(epoch, 0).UTC()
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterating aggregate rows")
}

// HistoryTags lists the distinct tags present in the history table
func (s *Store) HistoryTags() ([]string, error) {
	var out []string
	err := s.db.Select(&out, `SELECT DISTINCT tag FROM tag_history ORDER BY tag`)
	return out, errors.Wrap(err, "listing history tags")
}

// PruneHistory removes samples older than the cutoff and returns the
// number of rows deleted.
func (s *Store) PruneHistory(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM tag_history WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "pruning history")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

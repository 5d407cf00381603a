// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]persistence.HistorySample
	fail    bool
}

func (f *fakeStore) InsertSamples(samples []persistence.HistorySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database locked")
	}
	f.batches = append(f.batches, samples)
	return nil
}

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func good(v float64) tag.Value {
	return tag.NewValue(v, tag.QualityGood)
}

func TestPeriodicFlush(t *testing.T) {
	store := &fakeStore{}
	mock := clock.NewMock()
	r := NewRecorder(store, WithClock(mock))

	r.Record("a", good(1))
	r.Record("a", good(2))
	assert.Equal(t, 2, r.Buffered())
	assert.Equal(t, 0, store.total())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return store.total() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Buffered())
}

func TestForceFlushAtThreshold(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store)

	for i := 0; i < forceFlushAt-1; i++ {
		r.Record("a", good(float64(i)))
	}
	assert.Equal(t, 0, store.total())

	r.Record("a", good(99))
	assert.Equal(t, forceFlushAt, store.total())
	assert.Equal(t, 0, r.Buffered())
}

func TestFailedFlushRequeuesInOrder(t *testing.T) {
	store := &fakeStore{fail: true}
	r := NewRecorder(store)

	r.Record("a", good(1))
	r.Record("a", good(2))
	r.Flush()
	assert.Equal(t, 2, r.Buffered())

	// new samples land behind the re-queued batch
	r.Record("a", good(3))
	store.setFail(false)
	r.Flush()

	require.Equal(t, 3, store.total())
	batch := store.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, 1.0, batch[0].Value.Float64)
	assert.Equal(t, 2.0, batch[1].Value.Float64)
	assert.Equal(t, 3.0, batch[2].Value.Float64)
}

func TestIncludeExcludeFilters(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, WithInclude([]string{"keep.me", "keep.too"}), WithExclude([]string{"keep.too"}))

	r.Record("keep.me", good(1))
	r.Record("keep.too", good(2))
	r.Record("other", good(3))
	assert.Equal(t, 1, r.Buffered())
}

func TestOverflowDropsOldest(t *testing.T) {
	store := &fakeStore{fail: true}
	r := NewRecorder(store)

	// the store rejects every flush, so the buffer fills until samples drop
	for i := 0; i < maxBuffered+5; i++ {
		r.Record("a", good(float64(i)))
	}
	assert.Equal(t, maxBuffered, r.Buffered())
	assert.EqualValues(t, 5, r.Dropped())
}

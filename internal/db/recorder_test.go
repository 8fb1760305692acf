package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/timeutil"
)

func TestRecorderFlushWritesQueuedRows(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateSession(1, 2, "")
	require.NoError(t, err)

	rec := db.NewRecorder(id, time.Hour) // interval never fires; flush manually
	for i := 0; i < 10; i++ {
		rec.EnqueueReading(emg.NewReading([]float64{float64(i), 5}, time.Now()))
	}
	rec.EnqueueGestureEvent(time.Now(), 1, "FIST", 0.9)
	rec.Flush()

	stored, err := db.SessionReadings(id)
	require.NoError(t, err)
	require.Len(t, stored, 10)
	for i, r := range stored {
		assert.InDelta(t, float64(i), r.Values[0], 0.005)
	}

	events, err := db.SessionGestureEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "FIST", events[0].Label)
}

func TestRecorderSequenceSpansFlushes(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateSession(1, 1, "")
	require.NoError(t, err)

	rec := db.NewRecorder(id, time.Hour)
	rec.EnqueueReading(emg.NewReading([]float64{1}, time.Now()))
	rec.Flush()
	rec.EnqueueReading(emg.NewReading([]float64{2}, time.Now()))
	rec.Flush()

	stored, err := db.SessionReadings(id)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.InDelta(t, 1.0, stored[0].Values[0], 0.005)
	assert.InDelta(t, 2.0, stored[1].Values[0], 0.005)
}

func TestRecorderBoundsQueue(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateSession(1, 1, "")
	require.NoError(t, err)

	rec := db.NewRecorder(id, time.Hour)
	for i := 0; i < recorderQueueCap+50; i++ {
		rec.EnqueueReading(emg.NewReading([]float64{float64(i)}, time.Now()))
	}
	assert.Equal(t, uint64(50), rec.Dropped())

	rec.Flush()
	stored, err := db.SessionReadings(id)
	require.NoError(t, err)
	require.Len(t, stored, recorderQueueCap)
	// the oldest 50 were dropped; the survivors keep arrival order
	assert.InDelta(t, 50.0, stored[0].Values[0], 0.005)
}

func TestRecorderBoundsEventQueue(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateSession(1, 1, "")
	require.NoError(t, err)

	base := time.Now()
	rec := db.NewRecorder(id, time.Hour)
	for i := 0; i < recorderQueueCap+10; i++ {
		rec.EnqueueGestureEvent(base.Add(time.Duration(i)*time.Second), 1, "FIST", 0.9)
	}
	assert.Equal(t, uint64(10), rec.Dropped())

	rec.Flush()
	events, err := db.SessionGestureEvents(id)
	require.NoError(t, err)
	require.Len(t, events, recorderQueueCap)
	// the oldest 10 were dropped; the survivors keep arrival order
	assert.WithinDuration(t, base.Add(10*time.Second), events[0].At, time.Millisecond)
}

func TestRecorderStartStop(t *testing.T) {
	db := openTestDB(t)
	id, err := db.CreateSession(1, 1, "")
	require.NoError(t, err)

	rec := db.NewRecorder(id, DefaultRecorderInterval)
	clock := timeutil.NewMockClock(time.Now())
	rec.clock = clock
	rec.Start()

	rec.EnqueueReading(emg.NewReading([]float64{7}, time.Now()))
	clock.Advance(DefaultRecorderInterval)

	// the tick flushes in the recorder's goroutine; wait for the row
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := db.SessionReadings(id)
		require.NoError(t, err)
		if len(stored) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush tick never wrote the queued reading (got %d rows)", len(stored))
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.Stop()

	stored, err := db.SessionReadings(id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

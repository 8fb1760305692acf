package db

import (
	"sync"
	"time"

	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/monitoring"
	"github.com/bioforge-data/emgrip/internal/timeutil"
)

// Recorder drains readings and gesture events into the store on an interval
// so the pipeline's hot path never blocks on SQLite. Enqueue methods are
// non-blocking; when the in-memory queue is full the oldest entries are
// dropped and counted.
type Recorder struct {
	db        *DB
	sessionID string
	interval  time.Duration
	clock     timeutil.Clock

	mu       sync.Mutex
	readings []emg.Reading
	events   []GestureEventRow
	nextSeq  int64
	dropped  uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// recorderQueueCap bounds the in-memory backlog: about five seconds of the
// default 40Hz stream.
const recorderQueueCap = 200

// DefaultRecorderInterval is how often queued rows are flushed.
const DefaultRecorderInterval = time.Second

// NewRecorder builds a recorder writing into sessionID. Non-positive interval
// selects the default.
func (db *DB) NewRecorder(sessionID string, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = DefaultRecorderInterval
	}
	return &Recorder{
		db:        db,
		sessionID: sessionID,
		interval:  interval,
		clock:     timeutil.RealClock{},
		stopChan:  make(chan struct{}),
	}
}

// Start runs the periodic flush loop in a goroutine.
func (r *Recorder) Start() {
	ticker := r.clock.NewTicker(r.interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				r.Flush()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// Stop halts the flush loop and writes whatever is still queued.
func (r *Recorder) Stop() {
	r.once.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	r.Flush()
}

// EnqueueReading queues one reading for the next flush. Never blocks.
func (r *Recorder) EnqueueReading(reading emg.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.readings) >= recorderQueueCap {
		r.readings = r.readings[1:]
		r.nextSeq++
		r.dropped++
	}
	r.readings = append(r.readings, reading)
}

// EnqueueGestureEvent queues one gesture change for the next flush. Never
// blocks; like readings, the oldest entry is dropped when the queue is full.
func (r *Recorder) EnqueueGestureEvent(at time.Time, gestureID int, label string, confidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= recorderQueueCap {
		r.events = r.events[1:]
		r.dropped++
	}
	r.events = append(r.events, GestureEventRow{
		SessionID:  r.sessionID,
		At:         at,
		GestureID:  gestureID,
		Label:      label,
		Confidence: confidence,
	})
}

// Dropped returns how many queued rows were discarded to bound memory.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush writes all queued rows now. Failed batches are logged and discarded;
// the recorder is lossy by design rather than a source of backpressure.
func (r *Recorder) Flush() {
	r.mu.Lock()
	readings := r.readings
	events := r.events
	firstSeq := r.nextSeq
	r.readings = nil
	r.events = nil
	r.nextSeq += int64(len(readings))
	r.mu.Unlock()

	if len(readings) > 0 {
		if err := r.db.InsertReadingBatch(r.sessionID, firstSeq, readings); err != nil {
			monitoring.Logf("recorder: reading batch failed: %v", err)
		}
	}
	for _, ev := range events {
		if err := r.db.InsertGestureEvent(ev.SessionID, ev.At, ev.GestureID, ev.Label, ev.Confidence); err != nil {
			monitoring.Logf("recorder: gesture event insert failed: %v", err)
		}
	}
}

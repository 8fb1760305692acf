// Package engine orchestrates the real-time inference pipeline: it drains the
// device's reading stream into a bounded sample buffer and, on a data-driven
// cadence, extracts features, classifies, debounces, and dispatches the
// resulting pose to the actuators.
package engine

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bioforge-data/emgrip/internal/devicelink"
	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/monitoring"
	"github.com/bioforge-data/emgrip/internal/timeutil"
)

// ErrAlreadyRunning reports a Start call on an engine that is running.
var ErrAlreadyRunning = errors.New("engine: already running")

// Cooperative backoffs while waiting for data. The sample stream runs at tens
// of milliseconds per reading, so polling at this grain adds negligible
// latency.
const (
	fillWait = 10 * time.Millisecond
	stepWait = 5 * time.Millisecond
)

const gestureSubBuffer = 16

// Device is the narrow link surface the engine drives. *devicelink.Link
// implements it; tests substitute fakes.
type Device interface {
	SubscribeReadings() (string, chan emg.Reading)
	UnsubscribeReadings(id string)
	SendServoAngles(angles []int)
	SetMode(m devicelink.Mode)
	ResetServos()
}

// Model is the classifier surface the engine consumes: a pure transform from
// feature vector to classification, plus the label and pose tables the bundle
// was trained with.
type Model interface {
	Classify(features []float64) (gesture.Classification, error)
	Label(id int) string
	AnglesFor(id int) []int
	FeatureLength() int
}

// Config holds the engine cadence parameters.
type Config struct {
	// WindowSize is the number of readings per inference window.
	WindowSize int
	// StepSize is the minimum number of new readings between ticks.
	StepSize int
	// SmoothingVotes is the majority-vote history length.
	SmoothingVotes int
	// KMax is the maximum Higuchi scale; zero selects the default.
	KMax int
	// Clock defaults to the real clock; tests install a MockClock.
	Clock timeutil.Clock
}

func (c Config) validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("engine: window size must be positive, got %d", c.WindowSize)
	}
	if c.StepSize < 1 {
		return fmt.Errorf("engine: step size must be positive, got %d", c.StepSize)
	}
	if c.StepSize > c.WindowSize {
		return fmt.Errorf("engine: step size %d exceeds window size %d", c.StepSize, c.WindowSize)
	}
	if c.SmoothingVotes < 1 {
		return fmt.Errorf("engine: smoothing votes must be positive, got %d", c.SmoothingVotes)
	}
	return nil
}

// GestureEvent is one debounced gesture change, published to subscribers and
// recorded in the session store.
type GestureEvent struct {
	GestureID  int       `json:"gesture_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// State is a snapshot of the engine's settled gesture and last dispatched
// pose.
type State struct {
	GestureID  int       `json:"gesture_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Angles     []int     `json:"angles"`
	At         time.Time `json:"at"`
}

// Status is a snapshot of the engine's counters for the status surface.
type Status struct {
	Running        bool      `json:"running"`
	WindowSize     int       `json:"window_size"`
	StepSize       int       `json:"step_size"`
	SmoothingVotes int       `json:"smoothing_votes"`
	BufferedLen    int       `json:"buffer_len"`
	TotalReadings  uint64    `json:"total_readings"`
	Inferences     uint64    `json:"inferences"`
	SkippedTicks   uint64    `json:"skipped_ticks"`
	GestureChanges uint64    `json:"gesture_changes"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// Engine runs the pipeline. All exported methods are safe for concurrent use.
type Engine struct {
	dev       Device
	model     Model
	cfg       Config
	clock     timeutil.Clock
	extractor *emg.Extractor
	buffer    *emg.SampleBuffer
	voter     *gesture.Voter

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	stateMu sync.Mutex
	state   State

	subMu       sync.Mutex
	gestureSubs map[string]chan GestureEvent

	// processed is the buffer total at the last completed tick, the basis of
	// the step-size gate.
	processed uint64

	inferences     atomic.Uint64
	skips          atomic.Uint64
	gestureChanges atomic.Uint64
	eventDrops     atomic.Uint64

	lastEventMu sync.Mutex
	lastEventAt time.Time
}

// New builds an engine over a device and a loaded model. The configuration is
// validated here; an engine with an invalid cadence is never constructed.
func New(dev Device, model Model, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		dev:         dev,
		model:       model,
		cfg:         cfg,
		clock:       clock,
		extractor:   emg.NewExtractor(cfg.KMax),
		buffer:      emg.NewSampleBuffer(2 * cfg.WindowSize),
		voter:       gesture.NewVoter(cfg.SmoothingVotes),
		gestureSubs: make(map[string]chan GestureEvent),
		state:       State{GestureID: gesture.NoGesture, Angles: gesture.NeutralAngles()},
	}, nil
}

// Start switches the device into control mode and launches the intake and
// orchestration loops. All buffered state from a previous run is discarded, so
// a restart after reconnect begins fresh.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	e.buffer.Reset()
	e.voter.Reset()
	e.processed = 0
	e.inferences.Store(0)
	e.skips.Store(0)
	e.gestureChanges.Store(0)
	e.setState(State{GestureID: gesture.NoGesture, Angles: gesture.NeutralAngles()})

	subID, readings := e.dev.SubscribeReadings()
	e.dev.SetMode(devicelink.ModeControl)

	e.stop = make(chan struct{})
	e.running = true
	stop := e.stop

	e.wg.Add(2)
	go e.intakeLoop(ctx, stop, subID, readings)
	go e.runLoop(ctx, stop)

	monitoring.Logf("engine: started (window=%d step=%d votes=%d)",
		e.cfg.WindowSize, e.cfg.StepSize, e.cfg.SmoothingVotes)
	return nil
}

// Stop halts both loops, switches the device back to collect mode, and resets
// every joint to neutral so no stale pose outlives inference. Safe to call
// when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()

	// The outbound queue is FIFO, so the reset lands after any dispatch the
	// final tick produced.
	e.dev.SetMode(devicelink.ModeCollect)
	e.dev.ResetServos()

	e.stateMu.Lock()
	e.state.Angles = gesture.NeutralAngles()
	e.stateMu.Unlock()

	monitoring.Logf("engine: stopped, servos reset to neutral")
}

// Running reports whether the orchestration loop is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// intakeLoop drains the reading subscription into the sample buffer. It is
// the only writer to the buffer while the engine runs.
func (e *Engine) intakeLoop(ctx context.Context, stop <-chan struct{}, subID string, readings <-chan emg.Reading) {
	defer e.wg.Done()
	defer e.dev.UnsubscribeReadings(subID)

	for {
		select {
		case r, ok := <-readings:
			if !ok {
				return
			}
			e.buffer.Append(r)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runLoop drives ticks on the data-driven cadence, backing off with short
// cooperative sleeps while data is insufficient.
func (e *Engine) runLoop(ctx context.Context, stop <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if wait, ok := e.ready(); !ok {
			e.clock.Sleep(wait)
			continue
		}
		e.step()
	}
}

// ready applies the cadence gates: a full window buffered, and at least
// StepSize new readings since the last tick. When not ready it returns the
// backoff to sleep.
func (e *Engine) ready() (time.Duration, bool) {
	if e.buffer.Len() < e.cfg.WindowSize {
		return fillWait, false
	}
	if e.buffer.Total()-e.processed < uint64(e.cfg.StepSize) {
		return stepWait, false
	}
	return 0, true
}

// step runs one inference tick: window, extract, classify, vote, and on a
// settled change dispatch the mapped pose. Extraction or classification
// failures skip the tick; the next one retries with fresh data.
func (e *Engine) step() {
	e.processed = e.buffer.Total()

	window, ok := e.buffer.ChannelMajor(e.cfg.WindowSize)
	if !ok {
		e.skips.Add(1)
		return
	}

	features, err := e.extractor.Extract(window)
	if err != nil {
		e.skips.Add(1)
		monitoring.Debugf("engine: feature extraction skipped: %v", err)
		return
	}
	result, err := e.model.Classify(features)
	if err != nil {
		e.skips.Add(1)
		monitoring.Debugf("engine: classification skipped: %v", err)
		return
	}
	e.inferences.Add(1)

	majority, changed := e.voter.Push(result.Gesture)
	if !changed {
		return
	}
	e.dispatch(majority, result.Confidence)
}

// dispatch sends the pose for a newly settled gesture and publishes the
// change event.
func (e *Engine) dispatch(id int, confidence float64) {
	angles := e.model.AnglesFor(id)
	label := e.model.Label(id)
	now := e.clock.Now()

	e.dev.SendServoAngles(angles)
	e.gestureChanges.Add(1)

	e.setState(State{
		GestureID:  id,
		Label:      label,
		Confidence: confidence,
		Angles:     angles,
		At:         now,
	})

	e.lastEventMu.Lock()
	e.lastEventAt = now
	e.lastEventMu.Unlock()

	monitoring.Logf("engine: gesture %s (id=%d, confidence=%.2f)", label, id, confidence)
	e.publish(GestureEvent{GestureID: id, Label: label, Confidence: confidence, At: now})
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// State snapshots the settled gesture and last dispatched pose.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	s := e.state
	s.Angles = append([]int(nil), e.state.Angles...)
	return s
}

// Status snapshots the engine counters.
func (e *Engine) Status() Status {
	e.lastEventMu.Lock()
	lastEvent := e.lastEventAt
	e.lastEventMu.Unlock()
	return Status{
		Running:        e.Running(),
		WindowSize:     e.cfg.WindowSize,
		StepSize:       e.cfg.StepSize,
		SmoothingVotes: e.cfg.SmoothingVotes,
		BufferedLen:    e.buffer.Len(),
		TotalReadings:  e.buffer.Total(),
		Inferences:     e.inferences.Load(),
		SkippedTicks:   e.skips.Load(),
		GestureChanges: e.gestureChanges.Load(),
		LastEventAt:    lastEvent,
	}
}

// SubscribeGestures registers a buffered channel receiving every settled
// gesture change. A subscriber that falls behind misses events rather than
// stalling the orchestration loop.
func (e *Engine) SubscribeGestures() (string, chan GestureEvent) {
	id := randomID()
	ch := make(chan GestureEvent, gestureSubBuffer)
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.gestureSubs[id] = ch
	return id, ch
}

// UnsubscribeGestures removes a gesture subscriber and closes its channel.
func (e *Engine) UnsubscribeGestures(id string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if ch, ok := e.gestureSubs[id]; ok {
		close(ch)
		delete(e.gestureSubs, id)
	}
}

// randomID generates a random subscription ID (8 byte random hex encoded
// value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (e *Engine) publish(ev GestureEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.gestureSubs {
		select {
		case ch <- ev:
		default:
			e.eventDrops.Add(1)
		}
	}
}

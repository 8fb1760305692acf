package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bioforge-data/emgrip/internal/devicelink"
	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/timeutil"
)

// fakeDevice records link calls and feeds the reading subscription.
type fakeDevice struct {
	mu       sync.Mutex
	commands []string
	readings chan emg.Reading
	subs     int
	unsubs   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{readings: make(chan emg.Reading, 256)}
}

func (d *fakeDevice) SubscribeReadings() (string, chan emg.Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs++
	return "sub-1", d.readings
}

func (d *fakeDevice) UnsubscribeReadings(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubs++
}

func (d *fakeDevice) SendServoAngles(angles []int) {
	d.record(fmt.Sprintf("SERVO:%v", angles))
}

func (d *fakeDevice) SetMode(m devicelink.Mode) {
	d.record(fmt.Sprintf("MODE:%d", int(m)))
}

func (d *fakeDevice) ResetServos() { d.record("RESET") }

func (d *fakeDevice) record(cmd string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
}

func (d *fakeDevice) commandLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// fakeModel returns a fixed gesture, or an error when broken.
type fakeModel struct {
	mu        sync.Mutex
	result    gesture.Classification
	err       error
	classifys int
}

func (m *fakeModel) Classify(features []float64) (gesture.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifys++
	if m.err != nil {
		return gesture.Classification{}, m.err
	}
	return m.result, nil
}

func (m *fakeModel) setResult(id int, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = gesture.Classification{Gesture: id, Confidence: confidence}
}

func (m *fakeModel) Label(id int) string    { return gesture.Name(id) }
func (m *fakeModel) AnglesFor(id int) []int { return gesture.AnglesFor(id) }
func (m *fakeModel) FeatureLength() int {
	return gesture.DefaultChannels * emg.FeaturesPerChannel
}

func restReading() emg.Reading {
	return emg.NewReading([]float64{10, 8, 12, 9, 11, 8, 10, 7}, time.Now())
}

func newTestEngine(t *testing.T, dev *fakeDevice, m *fakeModel, cfg Config) *Engine {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMockClock(time.Unix(1700000000, 0))
	}
	e, err := New(dev, m, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bad := []Config{
		{WindowSize: 0, StepSize: 5, SmoothingVotes: 5},
		{WindowSize: 40, StepSize: 0, SmoothingVotes: 5},
		{WindowSize: 40, StepSize: 5, SmoothingVotes: 0},
		{WindowSize: 10, StepSize: 11, SmoothingVotes: 5},
	}
	for _, cfg := range bad {
		if _, err := New(newFakeDevice(), &fakeModel{}, cfg); err == nil {
			t.Errorf("New(%+v) succeeded, want error", cfg)
		}
	}
}

// With windowSize=40 and stepSize=5, a buffer holding exactly 40 readings
// yields one tick, and exactly one more tick per 5 new readings after that.
func TestCadenceStepGate(t *testing.T) {
	dev := newFakeDevice()
	m := &fakeModel{}
	m.setResult(gesture.Rest, 0.9)
	e := newTestEngine(t, dev, m, Config{WindowSize: 40, StepSize: 5, SmoothingVotes: 5})

	// not enough buffered yet: back off on the fill gate
	if _, ok := e.ready(); ok {
		t.Fatal("engine ready with an empty buffer")
	}
	for i := 0; i < 39; i++ {
		e.buffer.Append(restReading())
	}
	if wait, ok := e.ready(); ok || wait != fillWait {
		t.Fatalf("ready at 39 readings = (%v, %v), want fill backoff", wait, ok)
	}

	e.buffer.Append(restReading())
	if _, ok := e.ready(); !ok {
		t.Fatal("engine not ready with a full window")
	}
	e.step()
	if got := e.inferences.Load(); got != 1 {
		t.Fatalf("inferences after first tick = %d, want 1", got)
	}

	// fewer than stepSize new readings: back off on the step gate
	for i := 0; i < 4; i++ {
		e.buffer.Append(restReading())
	}
	if wait, ok := e.ready(); ok || wait != stepWait {
		t.Fatalf("ready with 4 new readings = (%v, %v), want step backoff", wait, ok)
	}

	// the fifth new reading releases exactly one tick
	e.buffer.Append(restReading())
	if _, ok := e.ready(); !ok {
		t.Fatal("engine not ready with 5 new readings")
	}
	e.step()
	if got := e.inferences.Load(); got != 2 {
		t.Fatalf("inferences after second tick = %d, want 2", got)
	}
	if _, ok := e.ready(); ok {
		t.Fatal("engine ready again with no new readings")
	}
}

// Forty identical rest-level readings converge on REST and dispatch the
// neutral pose.
func TestRestScenarioDispatchesNeutralPose(t *testing.T) {
	dev := newFakeDevice()
	m := &fakeModel{}
	m.setResult(gesture.Rest, 0.95)
	e := newTestEngine(t, dev, m, Config{WindowSize: 40, StepSize: 5, SmoothingVotes: 5})

	for i := 0; i < 40; i++ {
		e.buffer.Append(restReading())
	}
	e.step()

	state := e.State()
	if state.GestureID != gesture.Rest {
		t.Fatalf("settled gesture = %d, want REST", state.GestureID)
	}
	if state.Label != "REST" {
		t.Errorf("label = %q, want REST", state.Label)
	}
	for i, a := range state.Angles {
		if a != 90 {
			t.Errorf("angle %d = %d, want 90", i, a)
		}
	}

	log := dev.commandLog()
	if len(log) != 1 {
		t.Fatalf("command log = %v, want one SERVO dispatch", log)
	}
	if log[0] != fmt.Sprintf("SERVO:%v", gesture.NeutralAngles()) {
		t.Errorf("dispatched command = %q", log[0])
	}
}

// An unchanged majority never re-dispatches, regardless of how many ticks run.
func TestNoRepeatDispatchForUnchangedGesture(t *testing.T) {
	dev := newFakeDevice()
	m := &fakeModel{}
	m.setResult(gesture.Fist, 0.8)
	e := newTestEngine(t, dev, m, Config{WindowSize: 4, StepSize: 1, SmoothingVotes: 3})

	for i := 0; i < 4; i++ {
		e.buffer.Append(restReading())
	}
	for i := 0; i < 10; i++ {
		e.step()
		e.buffer.Append(restReading())
	}

	var dispatches int
	for _, cmd := range dev.commandLog() {
		if cmd != "RESET" && cmd[:5] == "SERVO" {
			dispatches++
		}
	}
	if dispatches != 1 {
		t.Errorf("dispatches = %d, want 1 for a stable gesture", dispatches)
	}
	if got := e.Status().GestureChanges; got != 1 {
		t.Errorf("gesture changes = %d, want 1", got)
	}
}

func TestClassifierFailureSkipsTick(t *testing.T) {
	dev := newFakeDevice()
	m := &fakeModel{err: errors.New("prediction blew up")}
	e := newTestEngine(t, dev, m, Config{WindowSize: 4, StepSize: 1, SmoothingVotes: 3})

	for i := 0; i < 4; i++ {
		e.buffer.Append(restReading())
	}
	e.step()

	if got := e.skips.Load(); got != 1 {
		t.Errorf("skips = %d, want 1", got)
	}
	if got := e.inferences.Load(); got != 0 {
		t.Errorf("inferences = %d, want 0", got)
	}
	if len(dev.commandLog()) != 0 {
		t.Errorf("commands dispatched on a failed tick: %v", dev.commandLog())
	}

	// the next tick retries cleanly
	m.mu.Lock()
	m.err = nil
	m.result = gesture.Classification{Gesture: gesture.Rest, Confidence: 0.9}
	m.mu.Unlock()
	e.buffer.Append(restReading())
	e.step()
	if got := e.inferences.Load(); got != 1 {
		t.Errorf("inferences after recovery = %d, want 1", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	dev := newFakeDevice()
	m := &fakeModel{}
	m.setResult(gesture.Fist, 0.85)
	e := newTestEngine(t, dev, m, Config{
		WindowSize: 4, StepSize: 1, SmoothingVotes: 1,
		Clock: timeutil.RealClock{},
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	_, events := e.SubscribeGestures()
	for i := 0; i < 8; i++ {
		dev.readings <- restReading()
	}

	select {
	case ev := <-events:
		if ev.GestureID != gesture.Fist {
			t.Errorf("event gesture = %d, want FIST", ev.GestureID)
		}
		if ev.Label != "FIST" {
			t.Errorf("event label = %q, want FIST", ev.Label)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no gesture event within 2s of full window")
	}

	e.Stop()
	if e.Running() {
		t.Error("Running() true after Stop")
	}

	log := dev.commandLog()
	if len(log) < 4 {
		t.Fatalf("command log too short: %v", log)
	}
	if log[0] != "MODE:1" {
		t.Errorf("first command = %q, want control mode switch", log[0])
	}
	if log[len(log)-2] != "MODE:0" || log[len(log)-1] != "RESET" {
		t.Errorf("teardown commands = %v, want [... MODE:0 RESET]", log[len(log)-2:])
	}

	// state snapshot shows the neutral pose after stop
	for i, a := range e.State().Angles {
		if a != gesture.NeutralAngle {
			t.Errorf("post-stop angle %d = %d, want %d", i, a, gesture.NeutralAngle)
		}
	}

	// a second Stop is a no-op
	e.Stop()

	// restart begins with an empty buffer and vote history
	for len(dev.readings) > 0 {
		<-dev.readings
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if got := e.Status().TotalReadings; got != 0 {
		t.Errorf("restart total readings = %d, want 0", got)
	}
	e.Stop()
}

func TestStatusSnapshot(t *testing.T) {
	dev := newFakeDevice()
	m := &fakeModel{}
	m.setResult(gesture.Rest, 0.9)
	e := newTestEngine(t, dev, m, Config{WindowSize: 4, StepSize: 2, SmoothingVotes: 3})

	for i := 0; i < 4; i++ {
		e.buffer.Append(restReading())
	}
	e.step()

	st := e.Status()
	if st.Running {
		t.Error("status running = true before Start")
	}
	if st.WindowSize != 4 || st.StepSize != 2 || st.SmoothingVotes != 3 {
		t.Errorf("status cadence = %d/%d/%d", st.WindowSize, st.StepSize, st.SmoothingVotes)
	}
	if st.BufferedLen != 4 || st.TotalReadings != 4 {
		t.Errorf("status buffer = %d/%d, want 4/4", st.BufferedLen, st.TotalReadings)
	}
	if st.Inferences != 1 {
		t.Errorf("status inferences = %d, want 1", st.Inferences)
	}
	if st.LastEventAt.IsZero() {
		t.Error("status last event time unset after a dispatch")
	}
}

func TestUnsubscribeGestures(t *testing.T) {
	e := newTestEngine(t, newFakeDevice(), &fakeModel{}, Config{WindowSize: 4, StepSize: 1, SmoothingVotes: 1})

	id, ch := e.SubscribeGestures()
	e.UnsubscribeGestures(id)
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	e.UnsubscribeGestures(id)
}

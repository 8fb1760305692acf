package devicelink

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/monitoring"
)

const (
	readingSubBuffer = 64
	statusSubBuffer  = 16
)

// LinkInterface is the link surface exposed to collaborators (engine, HTTP
// API, recorder). *Link implements it; tests substitute fakes.
type LinkInterface interface {
	// Send enqueues one outbound command line. It never blocks; the queue
	// grows without bound under transport stall so callers stay flat.
	Send(command string)
	// SendServoAngles enqueues a normalized pose command.
	SendServoAngles(angles []int)
	// SetMode enqueues a controller mode switch.
	SetMode(m Mode)
	// ResetServos enqueues the return-to-neutral command.
	ResetServos()
	// Ping enqueues the advisory liveness probe.
	Ping()
	// SubscribeReadings registers a channel receiving every parsed sample.
	SubscribeReadings() (string, chan emg.Reading)
	// UnsubscribeReadings removes and closes a reading subscription.
	UnsubscribeReadings(id string)
	// SubscribeStatus registers a channel receiving status events.
	SubscribeStatus() (string, chan StatusEvent)
	// UnsubscribeStatus removes and closes a status subscription.
	UnsubscribeStatus(id string)
	// LatestReading snapshots the most recent sample, if any arrived yet.
	LatestReading() (emg.Reading, bool)
	// Stats snapshots the link counters.
	Stats() LinkStats
	// Close stops both loops and closes the transport. Idempotent.
	Close() error
}

// LinkStats are the link's monotonic counters, snapshotted for the status
// surface.
type LinkStats struct {
	LinesReceived  uint64 `json:"lines_received"`
	ReadingsParsed uint64 `json:"readings_parsed"`
	ParseFailures  uint64 `json:"parse_failures"`
	CommandsSent   uint64 `json:"commands_sent"`
	QueuePeak      int    `json:"send_queue_peak"`
	ReadingDrops   uint64 `json:"reading_drops"`
	StatusDrops    uint64 `json:"status_drops"`
}

// Link is one open channel to the hand controller. It owns the transport and
// two goroutines: a receive loop that frames, parses, and fans out inbound
// lines, and a transmit loop that drains the FIFO command queue. All exported
// methods are safe for concurrent use.
type Link struct {
	transport Transport
	cfg       Config

	latest atomic.Pointer[emg.Reading]

	subMu       sync.Mutex
	readingSubs map[string]chan emg.Reading
	statusSubs  map[string]chan StatusEvent

	queueMu   sync.Mutex
	queue     []string
	queuePeak int
	wake      chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	linesReceived  atomic.Uint64
	readingsParsed atomic.Uint64
	parseFailures  atomic.Uint64
	commandsSent   atomic.Uint64
	readingDrops   atomic.Uint64
	statusDrops    atomic.Uint64
}

var _ LinkInterface = (*Link)(nil)

// Connect opens the transport selected by cfg and attaches a link to it. On
// failure the returned error wraps ErrConnectionFailed and no background
// activity has started.
func Connect(ctx context.Context, cfg Config) (*Link, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	var tr Transport
	switch cfg.Kind {
	case KindSerial:
		tr, err = openSerial(cfg.Port, cfg.Options)
	case KindTCP:
		tr, err = dialTCP(ctx, cfg.Addr, cfg.DialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("devicelink: open %s %s: %v: %w", cfg.Kind, cfg.target(), err, ErrConnectionFailed)
	}

	l, err := Attach(tr, cfg)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("devicelink: connected to %s via %s", cfg.target(), cfg.Kind)
	return l, nil
}

// Attach starts a link over an already-open transport. The transport's read
// timeout is set before the loops start, and a liveness probe is enqueued
// immediately; its reply is advisory and never awaited.
func Attach(tr Transport, cfg Config) (*Link, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if err := tr.SetReadTimeout(cfg.ReadTimeout); err != nil {
		tr.Close()
		return nil, fmt.Errorf("devicelink: set read timeout: %w", err)
	}

	l := &Link{
		transport:   tr,
		cfg:         cfg,
		readingSubs: make(map[string]chan emg.Reading),
		statusSubs:  make(map[string]chan StatusEvent),
		wake:        make(chan struct{}, 1),
	}
	l.running.Store(true)
	l.wg.Add(2)
	go l.receiveLoop()
	go l.transmitLoop()

	l.Ping()
	return l, nil
}

// randomID generates a random subscription ID (8 byte random hex encoded
// value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// SubscribeReadings registers a buffered channel that receives every parsed
// sample. A subscriber that falls behind misses samples rather than stalling
// the receive loop.
func (l *Link) SubscribeReadings() (string, chan emg.Reading) {
	id := randomID()
	ch := make(chan emg.Reading, readingSubBuffer)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.readingSubs[id] = ch
	return id, ch
}

// UnsubscribeReadings removes a reading subscriber and closes its channel.
func (l *Link) UnsubscribeReadings(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.readingSubs[id]; ok {
		close(ch)
		delete(l.readingSubs, id)
	}
}

// SubscribeStatus registers a buffered channel that receives device status,
// test, and link fault events.
func (l *Link) SubscribeStatus() (string, chan StatusEvent) {
	id := randomID()
	ch := make(chan StatusEvent, statusSubBuffer)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.statusSubs[id] = ch
	return id, ch
}

// UnsubscribeStatus removes a status subscriber and closes its channel.
func (l *Link) UnsubscribeStatus(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.statusSubs[id]; ok {
		close(ch)
		delete(l.statusSubs, id)
	}
}

// LatestReading returns the most recent parsed sample. The second return is
// false until the first sample arrives.
func (l *Link) LatestReading() (emg.Reading, bool) {
	p := l.latest.Load()
	if p == nil {
		return emg.Reading{}, false
	}
	return *p, true
}

// Send enqueues one command line for the transmit loop. It returns
// immediately; ordering across callers follows enqueue order.
func (l *Link) Send(command string) {
	if !l.running.Load() {
		monitoring.Debugf("devicelink: dropping %q: link closed", command)
		return
	}
	l.queueMu.Lock()
	l.queue = append(l.queue, command)
	if len(l.queue) > l.queuePeak {
		l.queuePeak = len(l.queue)
	}
	l.queueMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stats snapshots the link counters.
func (l *Link) Stats() LinkStats {
	l.queueMu.Lock()
	peak := l.queuePeak
	l.queueMu.Unlock()
	return LinkStats{
		LinesReceived:  l.linesReceived.Load(),
		ReadingsParsed: l.readingsParsed.Load(),
		ParseFailures:  l.parseFailures.Load(),
		CommandsSent:   l.commandsSent.Load(),
		QueuePeak:      peak,
		ReadingDrops:   l.readingDrops.Load(),
		StatusDrops:    l.statusDrops.Load(),
	}
}

// Close stops both loops, lets any in-flight write finish, then closes the
// transport and all subscriber channels. Safe to call more than once and
// tolerant of an already-dead transport.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.running.Store(false)
		select {
		case l.wake <- struct{}{}:
		default:
		}
		l.wg.Wait()
		l.closeErr = l.transport.Close()

		l.subMu.Lock()
		for id, ch := range l.readingSubs {
			close(ch)
			delete(l.readingSubs, id)
		}
		for id, ch := range l.statusSubs {
			close(ch)
			delete(l.statusSubs, id)
		}
		l.subMu.Unlock()
		monitoring.Logf("devicelink: closed")
	})
	return l.closeErr
}

// receiveLoop reads transport chunks, reassembles newline-terminated frames,
// and dispatches them. Timeouts are its suspension points: each one checks
// the running flag. A non-timeout read fault terminates this loop only; the
// transmit loop keeps draining.
func (l *Link) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, 256)
	var pending []byte
	for l.running.Load() {
		n, err := l.transport.Read(buf)
		if n > 0 {
			pending = l.ingest(pending, buf[:n])
		}
		if err == nil {
			// Serial timeouts surface as clean zero-byte reads.
			continue
		}
		if isTimeout(err) {
			continue
		}
		if !l.running.Load() {
			return
		}
		text := "receive failure: " + err.Error()
		if errors.Is(err, io.EOF) {
			text = "connection closed by device"
		}
		monitoring.Logf("devicelink: %s", text)
		l.publishStatus(StatusEvent{Kind: StatusLink, Text: text, At: time.Now()})
		return
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// ingest appends a chunk to the framing buffer and dispatches every complete
// frame in it. Unterminated garbage beyond maxFrameLen is dropped so a
// babbling device cannot grow the buffer without bound.
func (l *Link) ingest(pending, chunk []byte) []byte {
	pending = append(pending, chunk...)
	for {
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			break
		}
		frame := string(bytes.TrimRight(pending[:idx], "\r"))
		pending = pending[idx+1:]
		if frame != "" {
			l.handleFrame(frame)
		}
	}
	if len(pending) > maxFrameLen {
		l.parseFailures.Add(1)
		monitoring.Debugf("devicelink: dropping %d unterminated bytes", len(pending))
		pending = pending[:0]
	}
	return pending
}

func (l *Link) handleFrame(frame string) {
	l.linesReceived.Add(1)
	parsed, err := parseLine(frame, time.Now())
	if err != nil {
		l.parseFailures.Add(1)
		monitoring.Debugf("devicelink: dropped line: %v", err)
		return
	}
	if parsed.isSample {
		r := parsed.reading
		l.readingsParsed.Add(1)
		l.latest.Store(&r)
		l.publishReading(r)
		return
	}
	monitoring.Logf("devicelink: device %s: %s", parsed.status.Kind, parsed.status.Text)
	l.publishStatus(parsed.status)
}

func (l *Link) publishReading(r emg.Reading) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.readingSubs {
		select {
		case ch <- r:
		default:
			l.readingDrops.Add(1)
		}
	}
}

func (l *Link) publishStatus(ev StatusEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.statusSubs {
		select {
		case ch <- ev:
		default:
			l.statusDrops.Add(1)
		}
	}
}

// transmitLoop drains the outbound queue in strict FIFO order, blocking with
// a bounded wait while empty. On shutdown it finishes the queued commands
// before exiting so a trailing reset cannot be lost. A write fault terminates
// this loop only.
func (l *Link) transmitLoop() {
	defer l.wg.Done()

	for {
		command, ok := l.dequeue()
		if !ok {
			if !l.running.Load() {
				return
			}
			select {
			case <-l.wake:
			case <-time.After(queueIdleWait):
			}
			continue
		}
		if err := l.writeCommand(command); err != nil {
			if !l.running.Load() {
				return
			}
			monitoring.Logf("devicelink: transmit failure: %v", err)
			l.publishStatus(StatusEvent{Kind: StatusLink, Text: "transmit failure: " + err.Error(), At: time.Now()})
			return
		}
		l.commandsSent.Add(1)
	}
}

func (l *Link) dequeue() (string, bool) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.queue) == 0 {
		return "", false
	}
	command := l.queue[0]
	l.queue = l.queue[1:]
	return command, true
}

// writeCommand writes one terminated line in a single transport write.
func (l *Link) writeCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := l.transport.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Package handsim simulates the hand controller over TCP: it speaks the
// device side of the line protocol, streaming synthetic EMG samples for the
// active gesture profile and answering the controller commands. The whole
// pipeline runs against it with no hardware attached.
package handsim

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bioforge-data/emgrip/internal/devicelink"
	"github.com/bioforge-data/emgrip/internal/gesture"
	"github.com/bioforge-data/emgrip/internal/monitoring"
)

// Config describes the simulator's behaviour.
type Config struct {
	// Addr is the TCP listen address, e.g. "127.0.0.1:0".
	Addr string
	// SampleRateHz is the EMG stream rate. Default 40.
	SampleRateHz int
	// Gesture is the initially active profile. Default REST.
	Gesture int
	// Demo cycles through all catalog gestures on DemoPeriod.
	Demo bool
	// DemoPeriod is the dwell per gesture in demo mode. Default 4s.
	DemoPeriod time.Duration
	// Seed fixes the noise generator for reproducible streams; zero seeds
	// from the current time.
	Seed int64
}

// Noise shaping constants, tuned to look like a real forearm array: white
// noise on every channel, a slow tremor component, and mains-adjacent
// interference.
const (
	noiseStdDev   = 4.0
	tremorHz      = 7.0
	tremorScale   = 0.03
	interfHz      = 80.0
	interfScale   = 1.5
	defaultRateHz = 40
)

// Simulator is a running simulated hand. One client at a time receives the
// EMG stream; a newly accepted connection replaces the previous target.
type Simulator struct {
	ln   net.Listener
	cfg  Config
	rand *rand.Rand

	mu        sync.Mutex
	conn      net.Conn
	gestureID int
	servos    [gesture.ServoCount]int
	mode      devicelink.Mode

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New starts a simulator listening on cfg.Addr.
func New(cfg Config) (*Simulator, error) {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = defaultRateHz
	}
	if cfg.DemoPeriod <= 0 {
		cfg.DemoPeriod = 4 * time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("handsim: listen on %s: %w", cfg.Addr, err)
	}

	s := &Simulator{
		ln:        ln,
		cfg:       cfg,
		rand:      rand.New(rand.NewSource(cfg.Seed)),
		gestureID: cfg.Gesture,
		stop:      make(chan struct{}),
	}
	for i := range s.servos {
		s.servos[i] = gesture.NeutralAngle
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.streamLoop()
	if cfg.Demo {
		s.wg.Add(1)
		go s.demoLoop()
	}
	monitoring.Logf("handsim: listening on %s (%dHz, gesture %s)",
		ln.Addr(), cfg.SampleRateHz, gesture.Name(cfg.Gesture))
	return s, nil
}

// Addr returns the bound listen address, for tests that dial an in-process
// simulator.
func (s *Simulator) Addr() string {
	return s.ln.Addr().String()
}

// Close stops all loops and drops the active client. Idempotent.
func (s *Simulator) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

// SetGesture switches the active EMG profile.
func (s *Simulator) SetGesture(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gestureID = id
}

// ActiveGesture returns the gesture profile currently being streamed.
func (s *Simulator) ActiveGesture() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gestureID
}

// ServoAngles snapshots the simulated servo positions.
func (s *Simulator) ServoAngles() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, gesture.ServoCount)
	copy(out, s.servos[:])
	return out
}

// Mode returns the last commanded controller mode.
func (s *Simulator) Mode() devicelink.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// acceptLoop takes one client at a time. Each accepted connection becomes the
// stream target, replacing any previous one, and gets its own command reader.
func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				monitoring.Logf("handsim: accept: %v", err)
				return
			}
		}

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		monitoring.Logf("handsim: client connected from %s", conn.RemoteAddr())
		s.sendLine(conn, "STATUS:READY")

		s.wg.Add(1)
		go s.commandLoop(conn)
	}
}

// commandLoop reads controller commands from one client until it disconnects.
func (s *Simulator) commandLoop(conn net.Conn) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.handleCommand(conn, strings.TrimSpace(scanner.Text()))
	}
	monitoring.Debugf("handsim: client %s command stream ended", conn.RemoteAddr())
}

func (s *Simulator) handleCommand(conn net.Conn, cmd string) {
	switch {
	case cmd == "":
		// keepalive newline, nothing to do

	case cmd == "PING":
		s.sendLine(conn, "STATUS:PONG")

	case cmd == "RESET":
		s.mu.Lock()
		for i := range s.servos {
			s.servos[i] = gesture.NeutralAngle
		}
		s.mu.Unlock()
		s.sendLine(conn, "STATUS:RESET_DONE")

	case strings.HasPrefix(cmd, "MODE:"):
		n, err := strconv.Atoi(cmd[len("MODE:"):])
		if err != nil || !devicelink.Mode(n).Valid() {
			s.sendLine(conn, "STATUS:ERROR:bad mode "+cmd[len("MODE:"):])
			return
		}
		s.mu.Lock()
		s.mode = devicelink.Mode(n)
		s.mu.Unlock()
		s.sendLine(conn, fmt.Sprintf("STATUS:MODE_SET:%d", n))

	case strings.HasPrefix(cmd, "SERVO:"):
		if err := s.applyServoCommand(cmd[len("SERVO:"):]); err != nil {
			s.sendLine(conn, "STATUS:ERROR:"+err.Error())
			return
		}
		s.sendLine(conn, "STATUS:SERVO_SET")

	case strings.HasPrefix(cmd, "GESTURE:"):
		name := strings.TrimSpace(cmd[len("GESTURE:"):])
		id, ok := gesture.IDByName(name)
		if !ok {
			s.sendLine(conn, "STATUS:ERROR:unknown gesture "+name)
			return
		}
		s.SetGesture(id)
		s.sendLine(conn, "STATUS:GESTURE_SET:"+name)

	default:
		s.sendLine(conn, "STATUS:ERROR:unknown command")
	}
}

func (s *Simulator) applyServoCommand(payload string) error {
	parts := strings.Split(payload, ",")
	if len(parts) != gesture.ServoCount {
		return fmt.Errorf("expected %d angles, got %d", gesture.ServoCount, len(parts))
	}
	var angles [gesture.ServoCount]int
	for i, part := range parts {
		a, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("bad angle %q", part)
		}
		if a < gesture.MinAngle || a > gesture.MaxAngle {
			return fmt.Errorf("angle %d out of range", a)
		}
		angles[i] = a
	}
	s.mu.Lock()
	s.servos = angles
	s.mu.Unlock()
	return nil
}

// streamLoop emits EMG lines at the configured rate to the active client.
func (s *Simulator) streamLoop() {
	defer s.wg.Done()
	interval := time.Second / time.Duration(s.cfg.SampleRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			id := s.gestureID
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			values := s.sample(id, now.Sub(start).Seconds())
			if err := s.sendLine(conn, devicelink.FormatEMGLine(values)); err != nil {
				s.dropClient(conn)
			}
		}
	}
}

// sample generates one reading for the gesture profile: base amplitude plus
// white noise, tremor, and interference components, floored at zero since
// rectified EMG is non-negative.
func (s *Simulator) sample(id int, t float64) []float64 {
	profile, ok := gesture.Profile(id)
	if !ok {
		profile, _ = gesture.Profile(gesture.Rest)
	}
	tremor := math.Sin(2 * math.Pi * tremorHz * t)
	interf := math.Sin(2 * math.Pi * interfHz * t)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(profile))
	for i, base := range profile {
		v := base +
			s.rand.NormFloat64()*noiseStdDev +
			base*tremorScale*tremor +
			interfScale*interf
		if v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out
}

// demoLoop cycles the active profile through the whole catalog.
func (s *Simulator) demoLoop() {
	defer s.wg.Done()
	ids := gesture.IDs()
	ticker := time.NewTicker(s.cfg.DemoPeriod)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			next = (next + 1) % len(ids)
			s.SetGesture(ids[next])
			monitoring.Logf("handsim: demo gesture %s", gesture.Name(ids[next]))
		}
	}
}

func (s *Simulator) sendLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	if err != nil {
		monitoring.Debugf("handsim: write to %s: %v", conn.RemoteAddr(), err)
	}
	return err
}

// dropClient clears the stream target if conn is still it.
func (s *Simulator) dropClient(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
		monitoring.Logf("handsim: client disconnected")
	}
}

package devicelink

import (
	"strconv"
	"strings"

	"github.com/bioforge-data/emgrip/internal/gesture"
)

// Mode is the controller's operating mode.
type Mode int

const (
	// ModeCollect streams raw samples only; servos hold position.
	ModeCollect Mode = 0
	// ModeControl streams samples and accepts servo commands.
	ModeControl Mode = 1
	// ModeTest runs the controller's self-test routines.
	ModeTest Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeCollect:
		return "COLLECT"
	case ModeControl:
		return "CONTROL"
	case ModeTest:
		return "TEST"
	default:
		return "MODE(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is a mode the controller understands.
func (m Mode) Valid() bool {
	return m == ModeCollect || m == ModeControl || m == ModeTest
}

// clampAngle bounds one joint angle to the servo's mechanical range.
func clampAngle(a int) int {
	if a < gesture.MinAngle {
		return gesture.MinAngle
	}
	if a > gesture.MaxAngle {
		return gesture.MaxAngle
	}
	return a
}

// normalizeAngles produces a full actuator command from any angle list:
// each angle clamped into range, short lists padded to the servo count with
// the neutral angle, long lists truncated.
func normalizeAngles(angles []int) []int {
	out := gesture.NeutralAngles()
	for i := 0; i < len(out) && i < len(angles); i++ {
		out[i] = clampAngle(angles[i])
	}
	return out
}

func formatServoCommand(angles []int) string {
	parts := make([]string, len(angles))
	for i, a := range angles {
		parts[i] = strconv.Itoa(a)
	}
	return "SERVO:" + strings.Join(parts, ",")
}

func formatModeCommand(m Mode) string {
	return "MODE:" + strconv.Itoa(int(m))
}

// SendServoAngles enqueues a pose command. The angle list is normalized
// before encoding so the wire always carries a complete, in-range command.
func (l *Link) SendServoAngles(angles []int) {
	l.Send(formatServoCommand(normalizeAngles(angles)))
}

// SetMode enqueues a mode switch.
func (l *Link) SetMode(m Mode) {
	l.Send(formatModeCommand(m))
}

// ResetServos enqueues the reset command returning every joint to neutral.
func (l *Link) ResetServos() {
	l.Send("RESET")
}

// Ping enqueues the advisory liveness probe. The controller answers with
// STATUS:PONG; no reply is awaited.
func (l *Link) Ping() {
	l.Send("PING")
}

package devicelink

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bioforge-data/emgrip/internal/emg"
)

// Inbound line prefixes spoken by the hand controller.
const (
	prefixEMG    = "EMG:"
	prefixStatus = "STATUS:"
	prefixTest   = "TEST:"
)

// StatusEvent is a non-sample line surfaced to subscribers: device status
// text, diagnostic test output, or a fault synthesized by the link itself.
type StatusEvent struct {
	Kind string    `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// StatusEvent kinds.
const (
	StatusDevice = "status" // STATUS: line from the device
	StatusTest   = "test"   // TEST: diagnostic line from the device
	StatusLink   = "link"   // synthesized by the link (transport faults)
)

// line is one parsed inbound frame.
type line struct {
	reading  emg.Reading
	status   StatusEvent
	isSample bool
}

// parseLine classifies one terminator-stripped frame. Malformed frames return
// an error and are dropped by the caller; they never stop the receive loop.
func parseLine(raw string, at time.Time) (line, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, prefixEMG):
		values, err := parseEMGPayload(trimmed[len(prefixEMG):])
		if err != nil {
			return line{}, err
		}
		return line{reading: emg.Reading{Values: values, At: at}, isSample: true}, nil

	case strings.HasPrefix(trimmed, prefixStatus):
		return line{status: StatusEvent{Kind: StatusDevice, Text: trimmed[len(prefixStatus):], At: at}}, nil

	case strings.HasPrefix(trimmed, prefixTest):
		return line{status: StatusEvent{Kind: StatusTest, Text: trimmed[len(prefixTest):], At: at}}, nil

	default:
		return line{}, fmt.Errorf("unknown line prefix in %q", truncateForLog(trimmed))
	}
}

// parseEMGPayload parses the comma-separated channel amplitudes. The channel
// count is trusted from the content; it is not renegotiated per line.
func parseEMGPayload(payload string) ([]float64, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("empty EMG payload")
	}
	parts := strings.Split(payload, ",")
	values := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("bad EMG value %q at channel %d", part, i)
		}
		values[i] = v
	}
	return values, nil
}

// FormatEMGLine renders channel amplitudes the way the controller firmware
// does: two decimal places, comma separated. Used by the simulator and by
// round-trip tests.
func FormatEMGLine(values []float64) string {
	var b strings.Builder
	b.WriteString(prefixEMG)
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', 2, 64))
	}
	return b.String()
}

func truncateForLog(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

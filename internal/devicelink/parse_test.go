package devicelink

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseEMGLine(t *testing.T) {
	at := time.Now()
	parsed, err := parseLine("EMG:10.5,8.2,12.0,9.1", at)
	if err != nil {
		t.Fatalf("parseLine failed: %v", err)
	}
	if !parsed.isSample {
		t.Fatal("EMG line not classified as a sample")
	}
	want := []float64{10.5, 8.2, 12.0, 9.1}
	for i, v := range want {
		if parsed.reading.Values[i] != v {
			t.Errorf("channel %d = %v, want %v", i, parsed.reading.Values[i], v)
		}
	}
	if !parsed.reading.At.Equal(at) {
		t.Errorf("timestamp = %v, want %v", parsed.reading.At, at)
	}
}

func TestParseToleratesWhitespace(t *testing.T) {
	parsed, err := parseLine("  EMG: 1.0 , 2.0 \r", time.Now())
	if err != nil {
		t.Fatalf("parseLine failed: %v", err)
	}
	if parsed.reading.Values[0] != 1 || parsed.reading.Values[1] != 2 {
		t.Errorf("values = %v, want [1 2]", parsed.reading.Values)
	}
}

func TestParseStatusAndTestLines(t *testing.T) {
	parsed, err := parseLine("STATUS:MODE_SET:1", time.Now())
	if err != nil {
		t.Fatalf("parseLine failed: %v", err)
	}
	if parsed.isSample || parsed.status.Kind != StatusDevice || parsed.status.Text != "MODE_SET:1" {
		t.Errorf("status line parsed as %+v", parsed)
	}

	parsed, err = parseLine("TEST:grip cycle 3 complete", time.Now())
	if err != nil {
		t.Fatalf("parseLine failed: %v", err)
	}
	if parsed.status.Kind != StatusTest {
		t.Errorf("test line kind = %q, want %q", parsed.status.Kind, StatusTest)
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	bad := []string{
		"",
		"EMG:",
		"EMG:1.0,abc,3.0",
		"SERVO:90",
		"emg:1.0",
		"random noise",
	}
	for _, raw := range bad {
		if _, err := parseLine(raw, time.Now()); err == nil {
			t.Errorf("parseLine(%q) succeeded, want error", raw)
		}
	}
}

// Encoding then parsing must round-trip within the two-decimal wire precision.
func TestEMGLineRoundTrip(t *testing.T) {
	values := []float64{10.12, 8.5, 12.99, 0, 311.07, 8.25, 10.5, 7.77}
	parsed, err := parseLine(FormatEMGLine(values), time.Now())
	if err != nil {
		t.Fatalf("round-trip parse failed: %v", err)
	}
	if got := len(parsed.reading.Values); got != len(values) {
		t.Fatalf("round-trip channel count = %d, want %d", got, len(values))
	}
	for i, v := range values {
		if diff := math.Abs(parsed.reading.Values[i] - v); diff > 0.005 {
			t.Errorf("channel %d = %v, want %v within wire precision", i, parsed.reading.Values[i], v)
		}
	}
}

func TestTruncateForLog(t *testing.T) {
	long := strings.Repeat("x", 200)
	if got := truncateForLog(long); len(got) != 64+len("...") {
		t.Errorf("truncated length = %d", len(got))
	}
	if got := truncateForLog("short"); got != "short" {
		t.Errorf("short string altered: %q", got)
	}
}

package emg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FeaturesPerChannel is the fixed number of features computed per sensor
// channel: MAV, RMS, variance, waveform length, zero crossings, slope sign
// changes, and the Higuchi fractal-dimension estimate, in that order.
const FeaturesPerChannel = 7

// DefaultKMax is the maximum Higuchi scale used unless overridden.
const DefaultKMax = 5

var (
	// ErrShortWindow reports a window with no samples or no channels.
	ErrShortWindow = errors.New("emg: window too short for feature extraction")

	// ErrRaggedWindow reports a window whose channels disagree on length.
	ErrRaggedWindow = errors.New("emg: window channels have unequal lengths")
)

// Extractor turns a channel-major signal window into a flat feature vector.
// It is pure and deterministic; the same window always yields the same
// vector.
type Extractor struct {
	kmax int
}

// NewExtractor returns an extractor with the given maximum Higuchi scale.
// Non-positive kmax selects DefaultKMax.
func NewExtractor(kmax int) *Extractor {
	if kmax < 1 {
		kmax = DefaultKMax
	}
	return &Extractor{kmax: kmax}
}

// Extract computes the feature vector for window, where window[ch] is the
// signal of channel ch. The result has len(window) * FeaturesPerChannel
// entries in channel-major order.
func (e *Extractor) Extract(window [][]float64) ([]float64, error) {
	if len(window) == 0 || len(window[0]) == 0 {
		return nil, ErrShortWindow
	}
	samples := len(window[0])
	out := make([]float64, 0, len(window)*FeaturesPerChannel)
	for ch, sig := range window {
		if len(sig) != samples {
			return nil, fmt.Errorf("channel %d has %d samples, want %d: %w",
				ch, len(sig), samples, ErrRaggedWindow)
		}
		out = append(out,
			meanAbs(sig),
			rms(sig),
			stat.PopVariance(sig, nil),
			waveformLength(sig),
			float64(zeroCrossings(sig)),
			float64(slopeSignChanges(sig)),
			higuchiFD(sig, e.kmax),
		)
	}
	return out, nil
}

func meanAbs(sig []float64) float64 {
	var sum float64
	for _, v := range sig {
		sum += math.Abs(v)
	}
	return sum / float64(len(sig))
}

func rms(sig []float64) float64 {
	return math.Sqrt(floats.Dot(sig, sig) / float64(len(sig)))
}

func waveformLength(sig []float64) float64 {
	var sum float64
	for i := 1; i < len(sig); i++ {
		sum += math.Abs(sig[i] - sig[i-1])
	}
	return sum
}

// signOf treats zero as its own sign, so a touch of the axis counts as a
// transition on either side.
func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func zeroCrossings(sig []float64) int {
	count := 0
	for i := 1; i < len(sig); i++ {
		if signOf(sig[i]) != signOf(sig[i-1]) {
			count++
		}
	}
	return count
}

func slopeSignChanges(sig []float64) int {
	if len(sig) < 3 {
		return 0
	}
	count := 0
	prev := signOf(sig[1] - sig[0])
	for i := 2; i < len(sig); i++ {
		cur := signOf(sig[i] - sig[i-1])
		if cur != prev {
			count++
		}
		prev = cur
	}
	return count
}

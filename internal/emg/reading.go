// Package emg holds the sample data model and signal-feature extraction for
// multi-channel electromyography streams.
package emg

import "time"

// Reading is one timestamped amplitude sample across all sensor channels.
// Values is immutable once constructed; the channel count is fixed for the
// lifetime of a session.
type Reading struct {
	Values []float64
	At     time.Time
}

// NewReading copies values into a fresh Reading so later mutation of the
// caller's slice cannot alias into buffered history.
func NewReading(values []float64, at time.Time) Reading {
	v := make([]float64, len(values))
	copy(v, values)
	return Reading{Values: v, At: at}
}

// Channels returns the number of sensor channels in the reading.
func (r Reading) Channels() int {
	return len(r.Values)
}

// Package config loads the optional tuning file shared by the daemon and the
// recorder. All fields are pointers so an absent key is distinguishable from a
// zero value; accessors return the hardcoded defaults when unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxTuningFileSize caps how much of a tuning file will be read. A tuning
// file is a handful of scalars; anything bigger is a mistake.
const maxTuningFileSize = 1 << 20

// Tuning defaults. These match the values the standard model bundle is
// trained against.
const (
	DefaultWindowSize     = 40
	DefaultStepSize       = 5
	DefaultSmoothingVotes = 5
	DefaultSampleRateHz   = 40
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultBaudRate       = 115200
)

// TuningConfig is the root of the tuning file. The schema matches the
// /api/status tuning block so a captured status response can be replayed as
// configuration.
type TuningConfig struct {
	// Inference cadence params
	WindowSize     *int `json:"window_size,omitempty"`
	StepSize       *int `json:"step_size,omitempty"`
	SmoothingVotes *int `json:"smoothing_votes,omitempty"`

	// Device link params
	ReadTimeoutMS *int `json:"read_timeout_ms,omitempty"`
	BaudRate      *int `json:"baud_rate,omitempty"`

	// Expected sensor stream rate, used by the recorder to pace reps and by
	// the status surface to flag a stalled device.
	SampleRateHz *int `json:"sample_rate_hz,omitempty"`
}

// LoadTuning reads and validates a tuning file. The path must end in .json;
// an empty path returns an empty config (all defaults).
func LoadTuning(path string) (*TuningConfig, error) {
	if path == "" {
		return &TuningConfig{}, nil
	}
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("tuning file %q must have a .json extension", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat tuning file: %w", err)
	}
	if info.Size() > maxTuningFileSize {
		return nil, fmt.Errorf("tuning file %q is %d bytes, limit is %d", path, info.Size(), maxTuningFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}

	var c TuningConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse tuning file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every set field holds a usable value. Non-positive
// cadence values are fatal: an engine cannot run with them.
func (c *TuningConfig) Validate() error {
	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be positive, got %d", *c.WindowSize)
	}
	if c.StepSize != nil && *c.StepSize < 1 {
		return fmt.Errorf("step_size must be positive, got %d", *c.StepSize)
	}
	if c.SmoothingVotes != nil && *c.SmoothingVotes < 1 {
		return fmt.Errorf("smoothing_votes must be positive, got %d", *c.SmoothingVotes)
	}
	if c.ReadTimeoutMS != nil && *c.ReadTimeoutMS < 1 {
		return fmt.Errorf("read_timeout_ms must be positive, got %d", *c.ReadTimeoutMS)
	}
	if c.BaudRate != nil && *c.BaudRate < 1 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.SampleRateHz != nil && *c.SampleRateHz < 1 {
		return fmt.Errorf("sample_rate_hz must be positive, got %d", *c.SampleRateHz)
	}
	if c.StepSize != nil && c.WindowSize != nil && *c.StepSize > *c.WindowSize {
		return fmt.Errorf("step_size %d exceeds window_size %d", *c.StepSize, *c.WindowSize)
	}
	return nil
}

// GetWindowSize returns the window_size value or the default.
func (c *TuningConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return DefaultWindowSize
	}
	return *c.WindowSize
}

// GetStepSize returns the step_size value or the default.
func (c *TuningConfig) GetStepSize() int {
	if c.StepSize == nil {
		return DefaultStepSize
	}
	return *c.StepSize
}

// GetSmoothingVotes returns the smoothing_votes value or the default.
func (c *TuningConfig) GetSmoothingVotes() int {
	if c.SmoothingVotes == nil {
		return DefaultSmoothingVotes
	}
	return *c.SmoothingVotes
}

// GetReadTimeout returns the link read timeout or the default.
func (c *TuningConfig) GetReadTimeout() time.Duration {
	if c.ReadTimeoutMS == nil {
		return DefaultReadTimeout
	}
	return time.Duration(*c.ReadTimeoutMS) * time.Millisecond
}

// GetBaudRate returns the baud_rate value or the default.
func (c *TuningConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return DefaultBaudRate
	}
	return *c.BaudRate
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *TuningConfig) GetSampleRateHz() int {
	if c.SampleRateHz == nil {
		return DefaultSampleRateHz
	}
	return *c.SampleRateHz
}

package emg

import "sync"

// SampleBuffer is a bounded, thread-safe ring of recent readings. Appends past
// capacity evict the oldest entry. A monotonic total distinguishes "no new
// samples" from "buffer unchanged in length" for cadence decisions.
type SampleBuffer struct {
	mu    sync.Mutex
	buf   []Reading
	head  int
	count int
	total uint64
}

// NewSampleBuffer creates a buffer holding at most capacity readings.
// Capacity below 1 is raised to 1.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleBuffer{buf: make([]Reading, capacity)}
}

// Append adds a reading, evicting the oldest when full.
func (b *SampleBuffer) Append(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[b.head] = r
	b.head = (b.head + 1) % len(b.buf)
	if b.count < len(b.buf) {
		b.count++
	}
	b.total++
}

// Len returns the number of readings currently held.
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *SampleBuffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Total returns the monotonic count of readings ever appended, including
// evicted ones.
func (b *SampleBuffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Window copies out the most recent n readings, oldest first. It returns
// false when fewer than n readings are buffered.
func (b *SampleBuffer) Window(n int) ([]Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.count {
		return nil, false
	}
	out := make([]Reading, n)
	start := b.head - n
	if start < 0 {
		start += len(b.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = b.buf[(start+i)%len(b.buf)]
	}
	return out, true
}

// ChannelMajor builds the channel-major signal matrix for the most recent n
// readings: out[ch][i] is channel ch of the i-th oldest reading in the window.
// It returns false when fewer than n readings are buffered or the readings in
// the window disagree on channel count.
func (b *SampleBuffer) ChannelMajor(n int) ([][]float64, bool) {
	window, ok := b.Window(n)
	if !ok {
		return nil, false
	}
	channels := window[0].Channels()
	if channels == 0 {
		return nil, false
	}
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, n)
	}
	for i, r := range window {
		if r.Channels() != channels {
			return nil, false
		}
		for ch, v := range r.Values {
			out[ch][i] = v
		}
	}
	return out, true
}

// Reset discards all buffered readings and zeroes the monotonic total.
func (b *SampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.buf {
		b.buf[i] = Reading{}
	}
	b.head = 0
	b.count = 0
	b.total = 0
}

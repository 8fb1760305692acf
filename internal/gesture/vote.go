package gesture

import "sync"

// Classification is one raw classifier output: a gesture id and the model's
// confidence in it, clamped to [0, 1].
type Classification struct {
	Gesture    int
	Confidence float64
}

// Voter debounces raw per-tick classifications with a bounded majority vote.
// A gesture change is reported only when the majority over the last size
// votes differs from the previously settled gesture, so classifier flicker
// between ticks never reaches the actuators.
//
// Ties between equally counted gestures settle on the lowest id. Gesture 0 is
// the rest pose, so an ambiguous vote relaxes the hand rather than snapping
// between contenders.
type Voter struct {
	mu      sync.Mutex
	history []int
	size    int
	settled int
}

// NewVoter creates a voter over the last size classifications. Size below 1
// is raised to 1 (every classification settles immediately).
func NewVoter(size int) *Voter {
	if size < 1 {
		size = 1
	}
	return &Voter{
		history: make([]int, 0, size),
		size:    size,
		settled: NoGesture,
	}
}

// Push records a classification and reports whether the settled gesture
// changed, along with the new majority id.
func (v *Voter) Push(id int) (majority int, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.history) == v.size {
		v.history = v.history[1:]
	}
	v.history = append(v.history, id)

	majority = v.majorityLocked()
	if majority != v.settled {
		v.settled = majority
		return majority, true
	}
	return majority, false
}

// Settled returns the currently settled gesture id, NoGesture before the
// first vote lands.
func (v *Voter) Settled() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settled
}

// History returns a copy of the retained vote window, oldest first.
func (v *Voter) History() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int, len(v.history))
	copy(out, v.history)
	return out
}

// Reset clears the vote window and the settled gesture.
func (v *Voter) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = v.history[:0]
	v.settled = NoGesture
}

func (v *Voter) majorityLocked() int {
	counts := make(map[int]int, len(v.history))
	for _, id := range v.history {
		counts[id]++
	}
	best, bestCount := NoGesture, 0
	for id, count := range counts {
		if count > bestCount || (count == bestCount && id < best) {
			best, bestCount = id, count
		}
	}
	return best
}

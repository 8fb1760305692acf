// Package gesture defines the hand-pose classes the pipeline recognizes, the
// servo pose each one maps to, and the majority-vote debounce that turns noisy
// per-tick classifications into discrete gesture changes.
package gesture

import "sort"

// Servo geometry of the hand: five fingers with three joints each (15 servos),
// angles in degrees.
const (
	ServoCount   = 15
	MinAngle     = 0
	MaxAngle     = 180
	NeutralAngle = 90
)

// DefaultChannels is the sensor channel count of the standard forearm array.
const DefaultChannels = 8

// NoGesture is the id held before the first settled vote.
const NoGesture = -1

// Gesture class ids. These match the labels the training pipeline emits.
const (
	Rest = iota
	Fist
	Pinch
	Point
	ThumbsUp
	OpenSpread
	WristFlex
	WristExt
	LateralGrip
	ThreeFinger
)

var names = map[int]string{
	Rest:        "REST",
	Fist:        "FIST",
	Pinch:       "PINCH",
	Point:       "POINT",
	ThumbsUp:    "THUMBS_UP",
	OpenSpread:  "OPEN_SPREAD",
	WristFlex:   "WRIST_FLEX",
	WristExt:    "WRIST_EXT",
	LateralGrip: "LATERAL_GRIP",
	ThreeFinger: "THREE_FINGER",
}

// servoTable holds the standard pose for each gesture: thumb, index, middle,
// ring, pinky (three joints each) applied joint-major per finger.
var servoTable = map[int][ServoCount]int{
	Rest:        {90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90},
	Fist:        {45, 90, 30, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 90},
	Pinch:       {30, 60, 20, 30, 30, 30, 90, 90, 90, 90, 90, 90, 90, 90, 90},
	Point:       {45, 90, 30, 90, 90, 90, 0, 0, 0, 90, 90, 90, 90, 90, 90},
	ThumbsUp:    {90, 45, 90, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 90},
	OpenSpread:  {90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90},
	WristFlex:   {90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 45},
	WristExt:    {90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 135},
	LateralGrip: {60, 30, 60, 0, 0, 0, 90, 90, 90, 90, 90, 90, 90, 90, 90},
	ThreeFinger: {45, 60, 30, 30, 30, 30, 30, 30, 30, 90, 90, 90, 90, 90, 90},
}

// emgProfiles holds the characteristic 8-channel base amplitudes of each
// gesture, in raw analog-read units. Used by the simulator and by tests that
// need plausible input.
var emgProfiles = map[int][DefaultChannels]float64{
	Rest:        {10, 8, 12, 9, 11, 8, 10, 7},
	Fist:        {280, 310, 220, 190, 150, 120, 200, 180},
	Pinch:       {180, 200, 80, 60, 40, 30, 100, 90},
	Point:       {100, 120, 200, 220, 40, 30, 60, 50},
	ThumbsUp:    {220, 180, 50, 40, 30, 20, 40, 30},
	OpenSpread:  {150, 140, 160, 150, 160, 155, 150, 145},
	WristFlex:   {50, 40, 60, 50, 200, 220, 180, 190},
	WristExt:    {50, 40, 60, 50, 180, 160, 220, 200},
	LateralGrip: {200, 180, 160, 140, 50, 40, 60, 50},
	ThreeFinger: {160, 180, 200, 210, 190, 40, 50, 30},
}

// Name returns the label for a gesture id, or "UNKNOWN" if the id is not in
// the standard catalog.
func Name(id int) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "UNKNOWN"
}

// IDByName resolves a label back to its gesture id.
func IDByName(name string) (int, bool) {
	for id, n := range names {
		if n == name {
			return id, true
		}
	}
	return NoGesture, false
}

// IDs returns all catalog gesture ids in ascending order.
func IDs() []int {
	ids := make([]int, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NeutralAngles returns a fresh all-neutral pose.
func NeutralAngles() []int {
	angles := make([]int, ServoCount)
	for i := range angles {
		angles[i] = NeutralAngle
	}
	return angles
}

// AnglesFor returns the standard pose for a gesture id. Unknown ids map to the
// neutral pose so a misclassified id can never command an unsafe position.
func AnglesFor(id int) []int {
	pose, ok := servoTable[id]
	if !ok {
		return NeutralAngles()
	}
	angles := make([]int, ServoCount)
	copy(angles, pose[:])
	return angles
}

// Profile returns the characteristic EMG base amplitudes for a gesture id.
func Profile(id int) ([]float64, bool) {
	p, ok := emgProfiles[id]
	if !ok {
		return nil, false
	}
	out := make([]float64, DefaultChannels)
	copy(out, p[:])
	return out, true
}

// Info describes one catalog entry for API consumers.
type Info struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Angles []int  `json:"angles"`
}

// Catalog returns the full gesture catalog in id order.
func Catalog() []Info {
	ids := IDs()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, Info{ID: id, Name: Name(id), Angles: AnglesFor(id)})
	}
	return out
}

package gesture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoter_FirstSettleReportsChange(t *testing.T) {
	t.Parallel()

	v := NewVoter(5)
	assert.Equal(t, NoGesture, v.Settled())

	majority, changed := v.Push(Rest)
	assert.True(t, changed, "first vote settles away from NoGesture")
	assert.Equal(t, Rest, majority)
	assert.Equal(t, Rest, v.Settled())
}

// TestVoter_SaturatedHistory verifies a window full of one id votes that id,
// whatever the window size.
func TestVoter_SaturatedHistory(t *testing.T) {
	t.Parallel()

	for _, size := range []int{1, 2, 5, 9} {
		v := NewVoter(size)
		for i := 0; i < size; i++ {
			v.Push(Pinch)
		}
		assert.Equal(t, Pinch, v.Settled(), "size %d", size)
		assert.Len(t, v.History(), size)
	}
}

// TestVoter_NeverRepeatsChange verifies no two consecutive reported changes
// carry the same gesture id.
func TestVoter_NeverRepeatsChange(t *testing.T) {
	t.Parallel()

	v := NewVoter(3)
	sequence := []int{
		Rest, Rest, Fist, Fist, Fist, Rest, Fist, Rest, Rest,
		Point, Point, Point, Point, Rest, Rest, Rest,
	}

	var changes []int
	for _, id := range sequence {
		if majority, changed := v.Push(id); changed {
			changes = append(changes, majority)
		}
	}

	require.NotEmpty(t, changes)
	for i := 1; i < len(changes); i++ {
		assert.NotEqual(t, changes[i-1], changes[i],
			"consecutive changes at %d repeat id %d", i, changes[i])
	}
}

func TestVoter_FlickerIsAbsorbed(t *testing.T) {
	t.Parallel()

	v := NewVoter(5)
	var changes []int
	for _, id := range []int{Fist, Fist, Fist, Pinch, Fist, Fist, Pinch, Fist} {
		if majority, changed := v.Push(id); changed {
			changes = append(changes, majority)
		}
	}

	assert.Equal(t, []int{Fist}, changes, "isolated flicker must not surface")
}

// TestVoter_TieBreaksLowestID pins the deterministic tie rule: equal counts
// settle on the smaller gesture id.
func TestVoter_TieBreaksLowestID(t *testing.T) {
	t.Parallel()

	t.Run("two-way tie", func(t *testing.T) {
		t.Parallel()
		v := NewVoter(4)
		v.Push(Pinch)
		v.Push(Pinch)
		v.Push(Fist)
		majority, changed := v.Push(Fist)
		assert.True(t, changed)
		assert.Equal(t, Fist, majority, "tie between FIST and PINCH settles on FIST")
	})

	t.Run("tie including rest relaxes the hand", func(t *testing.T) {
		t.Parallel()
		v := NewVoter(4)
		v.Push(Point)
		v.Push(Point)
		v.Push(Rest)
		majority, _ := v.Push(Rest)
		assert.Equal(t, Rest, majority)
	})
}

func TestVoter_WindowEviction(t *testing.T) {
	t.Parallel()

	v := NewVoter(3)
	v.Push(Fist)
	v.Push(Fist)
	v.Push(Fist)
	require.Equal(t, Fist, v.Settled())

	// Two new votes evict enough FIST entries to flip the majority.
	_, changed := v.Push(OpenSpread)
	assert.False(t, changed)
	majority, changed := v.Push(OpenSpread)
	assert.True(t, changed)
	assert.Equal(t, OpenSpread, majority)
	assert.Equal(t, []int{Fist, OpenSpread, OpenSpread}, v.History())
}

func TestVoter_Reset(t *testing.T) {
	t.Parallel()

	v := NewVoter(5)
	v.Push(Fist)
	v.Push(Fist)
	v.Reset()

	assert.Equal(t, NoGesture, v.Settled())
	assert.Empty(t, v.History())

	_, changed := v.Push(Fist)
	assert.True(t, changed, "first vote after reset settles again")
}

func TestVoter_SizeFloor(t *testing.T) {
	t.Parallel()

	v := NewVoter(0)
	v.Push(Fist)
	v.Push(Point)
	assert.Equal(t, Point, v.Settled(), "size floor of 1 follows every vote")
	assert.Len(t, v.History(), 1)
}

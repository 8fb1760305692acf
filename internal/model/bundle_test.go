package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/gesture"
)

// twoClassParams builds a single-channel, single-layer bundle whose output
// depends only on the biases: class REST wins with softmax(1,0) confidence.
func twoClassParams() Params {
	inputs := emg.FeaturesPerChannel
	restRow := make([]float64, inputs)
	fistRow := make([]float64, inputs)
	return Params{
		Channels:    1,
		WindowSize:  40,
		ScalerMean:  make([]float64, inputs),
		ScalerScale: ones(inputs),
		Layers: []Layer{{
			Weights: [][]float64{restRow, fistRow},
			Biases:  []float64{1, 0},
		}},
		Classes: []int{gesture.Rest, gesture.Fist},
		Labels: map[int]string{
			gesture.Rest: "REST",
			gesture.Fist: "FIST",
		},
		ServoMap: map[int][]int{
			gesture.Rest: gesture.NeutralAngles(),
			gesture.Fist: gesture.AnglesFor(gesture.Fist),
		},
		TrainedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestBundle_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	original, err := New(twoClassParams())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "hand.model")
	require.NoError(t, original.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, loaded.Channels())
	assert.Equal(t, 40, loaded.WindowSize())
	assert.Equal(t, emg.FeaturesPerChannel, loaded.FeatureLength())
	assert.Equal(t, []int{gesture.Rest, gesture.Fist}, loaded.Classes())
	assert.Equal(t, "FIST", loaded.Label(gesture.Fist))
	assert.True(t, loaded.TrainedAt().Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	features := make([]float64, loaded.FeatureLength())
	want, err := original.Classify(features)
	require.NoError(t, err)
	got, err := loaded.Classify(features)
	require.NoError(t, err)
	assert.Equal(t, want, got, "round trip must preserve classification behavior")
}

func TestLoad_Failures(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "nope.model"))
		assert.Error(t, err)
	})

	t.Run("not gzip", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "junk.model")
		require.NoError(t, os.WriteFile(path, []byte("definitely not a bundle"), 0o644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrBadBundle)
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		full := filepath.Join(dir, "full.model")
		b, err := New(twoClassParams())
		require.NoError(t, err)
		require.NoError(t, b.Save(full))

		data, err := os.ReadFile(full)
		require.NoError(t, err)
		cut := filepath.Join(dir, "cut.model")
		require.NoError(t, os.WriteFile(cut, data[:len(data)/2], 0o644))

		_, err = Load(cut)
		assert.ErrorIs(t, err, ErrBadBundle)
	})
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	mutations := map[string]func(*Params){
		"zero channels":      func(p *Params) { p.Channels = 0 },
		"zero window":        func(p *Params) { p.WindowSize = 0 },
		"short scaler mean":  func(p *Params) { p.ScalerMean = p.ScalerMean[:3] },
		"short scaler scale": func(p *Params) { p.ScalerScale = p.ScalerScale[:3] },
		"zero scale entry":   func(p *Params) { p.ScalerScale[2] = 0 },
		"no layers":          func(p *Params) { p.Layers = nil },
		"ragged layer row": func(p *Params) {
			p.Layers[0].Weights[1] = p.Layers[0].Weights[1][:2]
		},
		"bias count mismatch": func(p *Params) {
			p.Layers[0].Biases = p.Layers[0].Biases[:1]
		},
		"class count mismatch": func(p *Params) { p.Classes = []int{gesture.Rest} },
		"duplicate class":      func(p *Params) { p.Classes = []int{gesture.Rest, gesture.Rest} },
		"no labels":            func(p *Params) { p.Labels = nil },
		"unlabeled class": func(p *Params) {
			delete(p.Labels, gesture.Fist)
		},
		"short servo vector": func(p *Params) {
			p.ServoMap[gesture.Fist] = []int{90, 90, 90}
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := twoClassParams()
			mutate(&p)
			_, err := New(p)
			assert.ErrorIs(t, err, ErrBadBundle)
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("bias-only network prefers rest", func(t *testing.T) {
		t.Parallel()
		b, err := New(twoClassParams())
		require.NoError(t, err)

		result, err := b.Classify(make([]float64, b.FeatureLength()))
		require.NoError(t, err)

		assert.Equal(t, gesture.Rest, result.Gesture)
		// softmax(1, 0) for the winning logit.
		assert.InDelta(t, 0.7310585786, result.Confidence, 1e-9)
	})

	t.Run("wrong feature length", func(t *testing.T) {
		t.Parallel()
		b, err := New(twoClassParams())
		require.NoError(t, err)

		_, err = b.Classify([]float64{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("hidden layers apply relu", func(t *testing.T) {
		t.Parallel()
		inputs := emg.FeaturesPerChannel
		hidden := make([]float64, inputs)
		hidden[0] = 1
		p := twoClassParams()
		p.Layers = []Layer{
			{Weights: [][]float64{hidden}, Biases: []float64{-100}},
			{Weights: [][]float64{{0}, {-5}}, Biases: []float64{0, 0}},
		}

		b, err := New(p)
		require.NoError(t, err)

		// Without ReLU the clamped hidden unit would stay at -93 and the
		// second logit would dominate.
		features := make([]float64, inputs)
		features[0] = 7
		result, err := b.Classify(features)
		require.NoError(t, err)
		assert.Equal(t, gesture.Rest, result.Gesture)
		assert.InDelta(t, 0.5, result.Confidence, 1e-12)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		b, err := New(twoClassParams())
		require.NoError(t, err)

		features := []float64{3, 1, 4, 1, 5, 9, 2}
		first, err := b.Classify(features)
		require.NoError(t, err)
		second, err := b.Classify(features)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestBundle_Fallbacks(t *testing.T) {
	t.Parallel()

	b, err := New(twoClassParams())
	require.NoError(t, err)

	assert.Equal(t, "42", b.Label(42), "unknown gesture label falls back to the id")
	assert.Equal(t, gesture.NeutralAngles(), b.AnglesFor(42), "unknown gesture pose falls back to neutral")

	fist := b.AnglesFor(gesture.Fist)
	fist[0] = 7
	assert.Equal(t, 45, b.AnglesFor(gesture.Fist)[0], "pose lookups return copies")
}

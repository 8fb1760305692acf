package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/bioforge-data/emgrip/internal/gesture"
)

// Classify standardizes the feature vector, runs the network forward pass,
// and returns the winning gesture with its softmax confidence. It performs no
// I/O and is safe for concurrent use; a failed call is skipped by the engine
// and retried on the next tick.
func (b *Bundle) Classify(features []float64) (gesture.Classification, error) {
	want := b.FeatureLength()
	if len(features) != want {
		return gesture.Classification{}, fmt.Errorf("model: feature vector has %d values, want %d", len(features), want)
	}

	scaled := make([]float64, want)
	for i, v := range features {
		scaled[i] = (v - b.mean[i]) / b.scale[i]
	}

	x := mat.NewVecDense(want, scaled)
	last := len(b.weights) - 1
	for i := range b.weights {
		rows, _ := b.weights[i].Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(b.weights[i], x)
		y.AddVec(y, b.biases[i])
		if i < last {
			relu(y)
		}
		x = y
	}

	probs := softmax(x.RawVector().Data)
	best, bestProb := 0, probs[0]
	for i, p := range probs {
		if p > bestProb {
			best, bestProb = i, p
		}
	}
	if math.IsNaN(bestProb) {
		return gesture.Classification{}, fmt.Errorf("model: network produced NaN probabilities")
	}

	return gesture.Classification{
		Gesture:    b.classes[best],
		Confidence: clampConfidence(bestProb),
	}, nil
}

func relu(v *mat.VecDense) {
	data := v.RawVector().Data
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// softmax is computed against the row maximum so large logits cannot
// overflow.
func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

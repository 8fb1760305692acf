package emg

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// higuchiFD estimates the fractal dimension of sig by the Higuchi method.
//
// For each scale k in 1..kmax the signal is resampled into k disjoint
// stride-k subsequences (offsets 0..k-1). Each subsequence of at least two
// points contributes a normalized curve length
//
//	L(k,m) = sum(|successive diffs|) * (n-1) / (k * subsequenceLength)
//
// and L(k) is their mean. The estimate is the absolute slope of the linear
// fit of log L(k) against log k. Degenerate inputs (fewer than two usable
// scales, or a scale whose mean length is not positive) yield 0 rather than
// an error so extraction never fails on flat or tiny signals.
func higuchiFD(sig []float64, kmax int) float64 {
	n := len(sig)
	if n < 2 || kmax < 1 {
		return 0
	}

	logK := make([]float64, 0, kmax)
	logL := make([]float64, 0, kmax)
	for k := 1; k <= kmax; k++ {
		var lengths []float64
		for m := 0; m < k; m++ {
			subLen := (n - 1 - m) / k
			if subLen < 1 {
				continue
			}
			// subLen strides means subLen+1 points in the subsequence.
			var sum float64
			prev := sig[m]
			for i := m + k; i < n; i += k {
				sum += math.Abs(sig[i] - prev)
				prev = sig[i]
			}
			l := sum * float64(n-1) / (float64(k) * float64(subLen+1))
			lengths = append(lengths, l)
		}
		if len(lengths) == 0 {
			continue
		}
		mean := stat.Mean(lengths, nil)
		if mean <= 0 {
			return 0
		}
		logK = append(logK, math.Log(float64(k)))
		logL = append(logL, math.Log(mean))
	}
	if len(logK) < 2 {
		return 0
	}
	_, slope := stat.LinearRegression(logK, logL, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0
	}
	return math.Abs(slope)
}

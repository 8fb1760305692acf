// Package model loads the trained gesture classifier bundle and runs
// inference against it. The bundle is produced offline by the training
// pipeline; this package only consumes it.
package model

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/gesture"
)

// ErrBadBundle reports a bundle that is unreadable, truncated, or fails field
// validation. Any Load error wrapping it is fatal at startup.
var ErrBadBundle = errors.New("model: invalid bundle")

// bundleFileVersion is the on-disk format revision.
const bundleFileVersion = 1

// Layer is one dense network layer: Weights[row][col] maps col inputs to row
// outputs, Biases has one entry per row. Hidden layers use ReLU; the final
// layer feeds softmax.
type Layer struct {
	Weights [][]float64
	Biases  []float64
}

// Params carries everything needed to build a Bundle. The training pipeline
// and test fixtures populate it; Load reconstructs it from disk.
type Params struct {
	Channels    int
	WindowSize  int
	ScalerMean  []float64
	ScalerScale []float64
	Layers      []Layer
	Classes     []int // network output index -> gesture id
	Labels      map[int]string
	ServoMap    map[int][]int
	TrainedAt   time.Time
}

// bundleFile is the gob image written to disk, gzip-compressed. Every field
// is validated on load; nothing is looked up dynamically at classify time.
type bundleFile struct {
	Version            int
	Channels           int
	WindowSize         int
	FeaturesPerChannel int
	ScalerMean         []float64
	ScalerScale        []float64
	Layers             []Layer
	Classes            []int
	Labels             map[int]string
	ServoMap           map[int][]int
	TrainedAt          time.Time
}

// Bundle is a loaded, validated classifier: standardizing scaler, dense
// network, and the gesture label/pose tables it was trained against.
// Immutable after construction; safe for concurrent Classify calls.
type Bundle struct {
	channels    int
	windowSize  int
	featuresPer int
	mean        []float64
	scale       []float64
	weights     []*mat.Dense
	biases      []*mat.VecDense
	classes     []int
	labels      map[int]string
	servos      map[int][]int
	trainedAt   time.Time
}

// New validates params and builds a ready-to-classify Bundle.
func New(p Params) (*Bundle, error) {
	f := bundleFile{
		Version:            bundleFileVersion,
		Channels:           p.Channels,
		WindowSize:         p.WindowSize,
		FeaturesPerChannel: emg.FeaturesPerChannel,
		ScalerMean:         p.ScalerMean,
		ScalerScale:        p.ScalerScale,
		Layers:             p.Layers,
		Classes:            p.Classes,
		Labels:             p.Labels,
		ServoMap:           p.ServoMap,
		TrainedAt:          p.TrainedAt,
	}
	return fromFile(f)
}

// Load reads, decompresses, and validates a bundle written by Save (or by the
// training pipeline). Any failure is fatal to engine startup.
func Load(path string) (*Bundle, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("model: open bundle: %w", err)
	}
	defer fh.Close()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return nil, fmt.Errorf("model: bundle %s is not gzip data: %w", path, ErrBadBundle)
	}
	defer gz.Close()

	var f bundleFile
	if err := gob.NewDecoder(gz).Decode(&f); err != nil {
		return nil, fmt.Errorf("model: decode bundle %s: %v: %w", path, err, ErrBadBundle)
	}
	return fromFile(f)
}

// Save writes the bundle to path in the gzip+gob artifact format.
func (b *Bundle) Save(path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("model: create bundle: %w", err)
	}
	defer fh.Close()

	gz := gzip.NewWriter(fh)
	if err := gob.NewEncoder(gz).Encode(b.toFile()); err != nil {
		gz.Close()
		return fmt.Errorf("model: encode bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("model: flush bundle: %w", err)
	}
	return fh.Sync()
}

func (b *Bundle) toFile() bundleFile {
	layers := make([]Layer, len(b.weights))
	for i, w := range b.weights {
		rows, cols := w.Dims()
		l := Layer{
			Weights: make([][]float64, rows),
			Biases:  make([]float64, rows),
		}
		for r := 0; r < rows; r++ {
			l.Weights[r] = make([]float64, cols)
			for c := 0; c < cols; c++ {
				l.Weights[r][c] = w.At(r, c)
			}
			l.Biases[r] = b.biases[i].AtVec(r)
		}
		layers[i] = l
	}
	return bundleFile{
		Version:            bundleFileVersion,
		Channels:           b.channels,
		WindowSize:         b.windowSize,
		FeaturesPerChannel: b.featuresPer,
		ScalerMean:         b.mean,
		ScalerScale:        b.scale,
		Layers:             layers,
		Classes:            b.classes,
		Labels:             b.labels,
		ServoMap:           b.servos,
		TrainedAt:          b.trainedAt,
	}
}

// fromFile runs full validation and precomputes the network matrices. All
// structural errors wrap ErrBadBundle so callers can treat them uniformly.
func fromFile(f bundleFile) (*Bundle, error) {
	if f.Version != bundleFileVersion {
		return nil, fmt.Errorf("model: bundle version %d, want %d: %w", f.Version, bundleFileVersion, ErrBadBundle)
	}
	if f.Channels <= 0 {
		return nil, fmt.Errorf("model: channel count %d: %w", f.Channels, ErrBadBundle)
	}
	if f.WindowSize <= 0 {
		return nil, fmt.Errorf("model: window size %d: %w", f.WindowSize, ErrBadBundle)
	}
	if f.FeaturesPerChannel != emg.FeaturesPerChannel {
		return nil, fmt.Errorf("model: %d features per channel, this build computes %d: %w",
			f.FeaturesPerChannel, emg.FeaturesPerChannel, ErrBadBundle)
	}

	inputs := f.Channels * f.FeaturesPerChannel
	if len(f.ScalerMean) != inputs || len(f.ScalerScale) != inputs {
		return nil, fmt.Errorf("model: scaler length %d/%d, want %d: %w",
			len(f.ScalerMean), len(f.ScalerScale), inputs, ErrBadBundle)
	}
	for i, s := range f.ScalerScale {
		if s <= 0 {
			return nil, fmt.Errorf("model: scaler scale[%d] = %v: %w", i, s, ErrBadBundle)
		}
	}

	if len(f.Layers) == 0 {
		return nil, fmt.Errorf("model: no network layers: %w", ErrBadBundle)
	}
	weights := make([]*mat.Dense, len(f.Layers))
	biases := make([]*mat.VecDense, len(f.Layers))
	cols := inputs
	for i, l := range f.Layers {
		rows := len(l.Weights)
		if rows == 0 || len(l.Biases) != rows {
			return nil, fmt.Errorf("model: layer %d has %d rows, %d biases: %w",
				i, rows, len(l.Biases), ErrBadBundle)
		}
		flat := make([]float64, 0, rows*cols)
		for r, row := range l.Weights {
			if len(row) != cols {
				return nil, fmt.Errorf("model: layer %d row %d width %d, want %d: %w",
					i, r, len(row), cols, ErrBadBundle)
			}
			flat = append(flat, row...)
		}
		weights[i] = mat.NewDense(rows, cols, flat)
		biasCopy := make([]float64, rows)
		copy(biasCopy, l.Biases)
		biases[i] = mat.NewVecDense(rows, biasCopy)
		cols = rows
	}

	outputs := cols
	if len(f.Classes) != outputs {
		return nil, fmt.Errorf("model: %d classes for %d network outputs: %w",
			len(f.Classes), outputs, ErrBadBundle)
	}
	seen := make(map[int]bool, len(f.Classes))
	for _, id := range f.Classes {
		if seen[id] {
			return nil, fmt.Errorf("model: duplicate class id %d: %w", id, ErrBadBundle)
		}
		seen[id] = true
	}
	if len(f.Labels) == 0 {
		return nil, fmt.Errorf("model: empty gesture label map: %w", ErrBadBundle)
	}
	for _, id := range f.Classes {
		if _, ok := f.Labels[id]; !ok {
			return nil, fmt.Errorf("model: class %d has no label: %w", id, ErrBadBundle)
		}
	}
	for id, angles := range f.ServoMap {
		if len(angles) != gesture.ServoCount {
			return nil, fmt.Errorf("model: servo map entry %d has %d angles, want %d: %w",
				id, len(angles), gesture.ServoCount, ErrBadBundle)
		}
	}

	return &Bundle{
		channels:    f.Channels,
		windowSize:  f.WindowSize,
		featuresPer: f.FeaturesPerChannel,
		mean:        f.ScalerMean,
		scale:       f.ScalerScale,
		weights:     weights,
		biases:      biases,
		classes:     f.Classes,
		labels:      f.Labels,
		servos:      f.ServoMap,
		trainedAt:   f.TrainedAt,
	}, nil
}

// Channels returns the sensor channel count the bundle was trained on.
func (b *Bundle) Channels() int { return b.channels }

// WindowSize returns the window length the bundle was trained on.
func (b *Bundle) WindowSize() int { return b.windowSize }

// FeatureLength returns the expected feature-vector length.
func (b *Bundle) FeatureLength() int { return b.channels * b.featuresPer }

// TrainedAt returns the training timestamp carried in the artifact.
func (b *Bundle) TrainedAt() time.Time { return b.trainedAt }

// Classes returns the gesture ids the network can emit, in ascending order.
func (b *Bundle) Classes() []int {
	out := make([]int, len(b.classes))
	copy(out, b.classes)
	sort.Ints(out)
	return out
}

// Label resolves a gesture id to its trained label, falling back to the
// numeric id for gestures outside the bundle.
func (b *Bundle) Label(id int) string {
	if l, ok := b.labels[id]; ok {
		return l
	}
	return strconv.Itoa(id)
}

// AnglesFor returns the trained pose for a gesture id, or the neutral pose
// when the bundle carries none.
func (b *Bundle) AnglesFor(id int) []int {
	angles, ok := b.servos[id]
	if !ok {
		return gesture.NeutralAngles()
	}
	out := make([]int, len(angles))
	copy(out, angles)
	return out
}

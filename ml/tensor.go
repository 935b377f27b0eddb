package ml

import (
	"math/rand"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
)

// TensorPair is the normalized training input. Inputs and Labels are [n,1].
type TensorPair struct {
	Inputs *mat.Dense
	Labels *mat.Dense
	Normalization
}

// Rows returns the number of samples.
func (p *TensorPair) Rows() int {
	if p == nil || p.Inputs == nil {
		return 0
	}
	r, _ := p.Inputs.Dims()
	return r
}

// TensorBuilder shuffles and normalizes datasets. Each Build call derives its
// own RNG, so concurrent calls share nothing but an atomic counter.
type TensorBuilder struct {
	seed  int64
	calls atomic.Int64
}

// NewTensorBuilder returns a builder seeded with seed. A zero seed uses the clock.
func NewTensorBuilder(seed int64) *TensorBuilder {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &TensorBuilder{seed: seed}
}

// Build shuffles a copy of ds, splits it into feature and label columns,
// fits each column and scales both into [n,1] matrices.
func (b *TensorBuilder) Build(ds Dataset) (*TensorPair, error) {
	if len(ds) == 0 {
		return nil, dataError("tensor.build", ErrEmptyDataset)
	}
	rng := rand.New(rand.NewSource(b.seed + b.calls.Add(1)))

	var scratch arena
	defer scratch.release()

	n := len(ds)
	features := scratch.alloc(n)
	labels := scratch.alloc(n)
	for i, idx := range rng.Perm(n) {
		features[i] = ds[idx].Feature
		labels[i] = ds[idx].Label
	}

	norm := Normalization{
		Feature: fitValues(features),
		Label:   fitValues(labels),
	}

	inputs := make([]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		inputs[i] = norm.Feature.Scale(features[i])
		targets[i] = norm.Label.Scale(labels[i])
	}

	return &TensorPair{
		Inputs:        mat.NewDense(n, 1, inputs),
		Labels:        mat.NewDense(n, 1, targets),
		Normalization: norm,
	}, nil
}

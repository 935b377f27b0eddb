package ml

import (
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

// LayerSpec describes one layer of the topology, independent of weights.
type LayerSpec struct {
	ClassName string      `json:"class_name"`
	Config    DenseConfig `json:"config"`
}

// DenseConfig is the configuration of a Dense layer.
type DenseConfig struct {
	Name       string `json:"name"`
	InputDim   int    `json:"input_dim"`
	Units      int    `json:"units"`
	UseBias    bool   `json:"use_bias"`
	Activation string `json:"activation"`
}

// Model is a sequential stack of dense layers. Training mutates its weights
// in place; callers must not run inference concurrently with a weight update.
type Model struct {
	name   string
	layers []*Dense
}

// CreateModel builds the fixed regression topology:
// input[1] -> Dense(1, bias) -> Dense(1, bias), no activation.
// Kernels are Glorot-uniform initialised from rng, biases start at zero.
func CreateModel(rng *rand.Rand) *Model {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	hidden := newDense("dense_1", 1, 1, true)
	hidden.glorotUniform(rng)
	output := newDense("dense_2", 1, 1, true)
	output.glorotUniform(rng)
	return &Model{
		name:   "sequential_1",
		layers: []*Dense{hidden, output},
	}
}

// Name returns the model name.
func (m *Model) Name() string {
	return m.name
}

// Topology returns the ordered layer specifications.
func (m *Model) Topology() []LayerSpec {
	specs := make([]LayerSpec, len(m.layers))
	for i, layer := range m.layers {
		specs[i] = layer.spec()
	}
	return specs
}

// InputDim is the expected number of input columns.
func (m *Model) InputDim() int {
	if len(m.layers) == 0 {
		return 0
	}
	return m.layers[0].inputDim
}

// OutputDim is the number of output columns.
func (m *Model) OutputDim() int {
	if len(m.layers) == 0 {
		return 0
	}
	return m.layers[len(m.layers)-1].units
}

// Predict runs a forward pass over x, which must be [n, InputDim()].
func (m *Model) Predict(x *mat.Dense) (*mat.Dense, error) {
	if len(m.layers) == 0 {
		return nil, ErrNoModel
	}
	rows, cols := x.Dims()
	if rows == 0 {
		return nil, dataError("model.predict", ErrEmptyDataset)
	}
	if cols != m.InputDim() {
		return nil, fmt.Errorf("model.predict: expected %d input columns, got %d", m.InputDim(), cols)
	}
	out := x
	for _, layer := range m.layers {
		out = layer.forward(out)
	}
	return out, nil
}

// forwardTrain returns the output plus the input seen by every layer.
func (m *Model) forwardTrain(x *mat.Dense) (*mat.Dense, []*mat.Dense) {
	inputs := make([]*mat.Dense, len(m.layers))
	out := x
	for i, layer := range m.layers {
		inputs[i] = out
		out = layer.forward(out)
	}
	return out, inputs
}

func (m *Model) backward(grad *mat.Dense, inputs []*mat.Dense) {
	for i := len(m.layers) - 1; i >= 0; i-- {
		grad = m.layers[i].backward(inputs[i], grad)
	}
}

func (m *Model) parameters() []parameter {
	var params []parameter
	for _, layer := range m.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}

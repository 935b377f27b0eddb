package ml

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

const (
	artifactFormat = "layers-model"
	generatedBy    = "houseprice"
	weightsDType   = "float64"

	defaultWeightsPath = "model.weights.bin"

	// Limits on an uploaded topology. They keep the parameter count well
	// inside a 32-bit int.
	maxLayers   = 64
	maxLayerDim = 4096
)

// Artifact is a persisted model: a topology document (model.json) and the
// little-endian float64 weight buffer it describes. Normalization
// parameters and training history are not part of it.
type Artifact struct {
	Topology []byte
	Weights  []byte
}

type modelDocument struct {
	Format          string         `json:"format"`
	GeneratedBy     string         `json:"generatedBy"`
	ModelTopology   modelTopology  `json:"modelTopology"`
	WeightsManifest []weightsGroup `json:"weightsManifest"`
}

type modelTopology struct {
	ClassName string           `json:"class_name"`
	Config    sequentialConfig `json:"config"`
}

type sequentialConfig struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`
}

type weightsGroup struct {
	Paths   []string     `json:"paths"`
	Weights []weightSpec `json:"weights"`
}

type weightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// SaveModel serializes topology and weights.
func SaveModel(model *Model) (Artifact, error) {
	return encodeModel(model, defaultWeightsPath)
}

func encodeModel(model *Model, weightsPath string) (Artifact, error) {
	if model == nil || len(model.layers) == 0 {
		return Artifact{}, persistenceError("persistence.save", ErrNoModel)
	}
	params := model.parameters()
	specs := make([]weightSpec, len(params))
	size := 0
	for i, p := range params {
		specs[i] = weightSpec{Name: p.name, Shape: p.shape, DType: weightsDType}
		size += len(p.value)
	}

	doc := modelDocument{
		Format:      artifactFormat,
		GeneratedBy: generatedBy,
		ModelTopology: modelTopology{
			ClassName: "Sequential",
			Config:    sequentialConfig{Name: model.name, Layers: model.Topology()},
		},
		WeightsManifest: []weightsGroup{{Paths: []string{weightsPath}, Weights: specs}},
	}
	topology, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Artifact{}, persistenceError("persistence.save", err)
	}

	weights := make([]byte, 0, size*8)
	for _, p := range params {
		for _, v := range p.value {
			weights = binary.LittleEndian.AppendUint64(weights, math.Float64bits(v))
		}
	}
	return Artifact{Topology: topology, Weights: weights}, nil
}

// LoadModel rebuilds a model from an artifact. It either returns a complete
// new model or an error; it never touches any existing model.
func LoadModel(artifact Artifact) (*Model, error) {
	const op = "persistence.load"
	invalid := func(format string, args ...any) error {
		return persistenceError(op, fmt.Errorf("%w: %s", ErrInvalidArtifact, fmt.Sprintf(format, args...)))
	}

	if len(artifact.Topology) == 0 {
		return nil, invalid("missing topology")
	}
	if len(artifact.Weights) == 0 {
		return nil, invalid("missing weight buffer")
	}
	var doc modelDocument
	if err := json.Unmarshal(artifact.Topology, &doc); err != nil {
		return nil, invalid("decode topology: %v", err)
	}
	if doc.Format != artifactFormat {
		return nil, invalid("unsupported format %q", doc.Format)
	}
	if doc.ModelTopology.ClassName != "Sequential" {
		return nil, invalid("unsupported model class %q", doc.ModelTopology.ClassName)
	}
	specs := doc.ModelTopology.Config.Layers
	if len(specs) == 0 {
		return nil, invalid("topology has no layers")
	}
	if len(specs) > maxLayers {
		return nil, invalid("topology has %d layers, limit is %d", len(specs), maxLayers)
	}

	// Shapes are checked against the buffer before anything is allocated.
	type layerShape struct {
		name            string
		inputDim, units int
		useBias         bool
	}
	shapes := make([]layerShape, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	prevUnits := 0
	total := 0
	for i, spec := range specs {
		cfg := spec.Config
		if spec.ClassName != "Dense" {
			return nil, invalid("layer %d: unsupported class %q", i, spec.ClassName)
		}
		if cfg.Name == "" || seen[cfg.Name] {
			return nil, invalid("layer %d: missing or duplicate name %q", i, cfg.Name)
		}
		seen[cfg.Name] = true
		if cfg.Activation != "" && cfg.Activation != "linear" {
			return nil, invalid("layer %s: unsupported activation %q", cfg.Name, cfg.Activation)
		}
		if cfg.Units <= 0 || cfg.Units > maxLayerDim {
			return nil, invalid("layer %s: units %d out of range [1,%d]", cfg.Name, cfg.Units, maxLayerDim)
		}
		inputDim := cfg.InputDim
		if i > 0 {
			if inputDim == 0 {
				inputDim = prevUnits
			}
			if inputDim != prevUnits {
				return nil, invalid("layer %s: input dim %d does not match previous units %d", cfg.Name, inputDim, prevUnits)
			}
		} else if inputDim <= 0 || inputDim > maxLayerDim {
			return nil, invalid("layer %s: input dim %d out of range [1,%d]", cfg.Name, inputDim, maxLayerDim)
		}
		total += inputDim * cfg.Units
		if cfg.UseBias {
			total += cfg.Units
		}
		shapes = append(shapes, layerShape{name: cfg.Name, inputDim: inputDim, units: cfg.Units, useBias: cfg.UseBias})
		prevUnits = cfg.Units
	}
	if len(artifact.Weights)%8 != 0 || len(artifact.Weights)/8 != total {
		return nil, invalid("weight buffer has %d bytes, topology needs %d", len(artifact.Weights), total*8)
	}

	model := &Model{name: doc.ModelTopology.Config.Name}
	if model.name == "" {
		model.name = "sequential_1"
	}
	for _, shape := range shapes {
		model.layers = append(model.layers, newDense(shape.name, shape.inputDim, shape.units, shape.useBias))
	}

	expected := make(map[string]parameter)
	for _, p := range model.parameters() {
		expected[p.name] = p
	}
	offset := 0
	for _, group := range doc.WeightsManifest {
		for _, w := range group.Weights {
			p, ok := expected[w.Name]
			if !ok {
				return nil, invalid("unexpected or duplicate weight %q", w.Name)
			}
			delete(expected, w.Name)
			if w.DType != weightsDType {
				return nil, invalid("weight %s: unsupported dtype %q", w.Name, w.DType)
			}
			if !sameShape(w.Shape, p.shape) {
				return nil, invalid("weight %s: shape %v, want %v", w.Name, w.Shape, p.shape)
			}
			end := offset + len(p.value)*8
			if end > len(artifact.Weights) {
				return nil, invalid("weight buffer too short for %s", w.Name)
			}
			for i := range p.value {
				bits := binary.LittleEndian.Uint64(artifact.Weights[offset+i*8:])
				p.value[i] = math.Float64frombits(bits)
			}
			offset = end
		}
	}
	if len(expected) > 0 {
		missing := make([]string, 0, len(expected))
		for name := range expected {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, invalid("missing weights %v", missing)
	}
	if offset != len(artifact.Weights) {
		return nil, invalid("weight buffer has %d trailing bytes", len(artifact.Weights)-offset)
	}
	return model, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

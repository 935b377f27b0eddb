package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	model := CreateModel(rand.New(rand.NewSource(21)))
	artifact, err := SaveModel(model)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(artifact.Weights) != 4*8 {
		t.Fatalf("expected 32 weight bytes, got %d", len(artifact.Weights))
	}

	loaded, err := LoadModel(artifact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Name() != model.Name() {
		t.Fatalf("name %q, want %q", loaded.Name(), model.Name())
	}
	if len(loaded.Topology()) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(loaded.Topology()))
	}

	x := mat.NewDense(5, 1, []float64{0, 0.25, 0.5, 0.75, 1})
	want, err := model.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := loaded.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mat.Equal(want, got) {
		t.Fatalf("predictions differ after reload:\n%v\n%v", mat.Formatted(want), mat.Formatted(got))
	}
}

func TestSaveModelTopologyDocument(t *testing.T) {
	artifact, err := SaveModel(CreateModel(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var doc modelDocument
	if err := json.Unmarshal(artifact.Topology, &doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Format != "layers-model" || doc.ModelTopology.ClassName != "Sequential" {
		t.Fatalf("unexpected document header: %+v", doc)
	}
	var names []string
	for _, w := range doc.WeightsManifest[0].Weights {
		names = append(names, w.Name)
	}
	if strings.Join(names, ",") != "dense_1/kernel,dense_1/bias,dense_2/kernel,dense_2/bias" {
		t.Fatalf("unexpected manifest: %v", names)
	}
}

func TestSaveModelWithoutModel(t *testing.T) {
	if _, err := SaveModel(nil); !IsKind(err, KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestLoadModelRejectsMalformedArtifacts(t *testing.T) {
	good, err := SaveModel(CreateModel(rand.New(rand.NewSource(4))))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	editTopology := func(fn func(doc *modelDocument)) []byte {
		var doc modelDocument
		if err := json.Unmarshal(good.Topology, &doc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		fn(&doc)
		data, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return data
	}

	tests := []struct {
		name     string
		artifact Artifact
	}{
		{name: "empty topology", artifact: Artifact{Weights: good.Weights}},
		{name: "empty weights", artifact: Artifact{Topology: good.Topology}},
		{name: "invalid json", artifact: Artifact{Topology: []byte("{"), Weights: good.Weights}},
		{name: "short buffer", artifact: Artifact{Topology: good.Topology, Weights: good.Weights[:20]}},
		{name: "trailing bytes", artifact: Artifact{Topology: good.Topology, Weights: append(append([]byte(nil), good.Weights...), 0, 0, 0, 0, 0, 0, 0, 0)}},
		{name: "wrong format", artifact: Artifact{Topology: editTopology(func(d *modelDocument) { d.Format = "graph-model" }), Weights: good.Weights}},
		{name: "unknown layer", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.ModelTopology.Config.Layers[1].ClassName = "Conv2D"
		}), Weights: good.Weights}},
		{name: "relu activation", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.ModelTopology.Config.Layers[0].Config.Activation = "relu"
		}), Weights: good.Weights}},
		{name: "missing weight", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.WeightsManifest[0].Weights = d.WeightsManifest[0].Weights[:3]
		}), Weights: good.Weights[:24]}},
		{name: "wrong shape", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.WeightsManifest[0].Weights[0].Shape = []int{2, 1}
		}), Weights: good.Weights}},
		{name: "wrong dtype", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.WeightsManifest[0].Weights[2].DType = "int32"
		}), Weights: good.Weights}},
		{name: "input dim chain", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.ModelTopology.Config.Layers[1].Config.InputDim = 4
		}), Weights: good.Weights}},
		{name: "huge dimensions", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.ModelTopology.Config.Layers[0].Config.InputDim = 1 << 32
			d.ModelTopology.Config.Layers[0].Config.Units = 1 << 32
			d.ModelTopology.Config.Layers[1].Config.InputDim = 1 << 32
		}), Weights: good.Weights}},
		{name: "units larger than buffer", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			d.ModelTopology.Config.Layers[0].Config.Units = 1000
			d.ModelTopology.Config.Layers[1].Config.InputDim = 1000
		}), Weights: good.Weights}},
		{name: "too many layers", artifact: Artifact{Topology: editTopology(func(d *modelDocument) {
			layer := d.ModelTopology.Config.Layers[1]
			for i := 0; i < maxLayers; i++ {
				layer.Config.Name = fmt.Sprintf("extra_%d", i)
				d.ModelTopology.Config.Layers = append(d.ModelTopology.Config.Layers, layer)
			}
		}), Weights: good.Weights}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := LoadModel(tt.artifact)
			if err == nil {
				t.Fatal("expected error")
			}
			if model != nil {
				t.Fatal("expected no model on failure")
			}
			if !IsKind(err, KindPersistence) || !errors.Is(err, ErrInvalidArtifact) {
				t.Fatalf("expected invalid artifact error, got %v", err)
			}
		})
	}
}

func TestModelFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	model := fixedModel(1.5, -0.25, 0.75, 0.125)

	topologyPath, weightsPath, err := SaveModelFiles(model, dir, "rooms")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(topologyPath) != "rooms.json" || filepath.Base(weightsPath) != "rooms.weights.bin" {
		t.Fatalf("unexpected paths: %s %s", topologyPath, weightsPath)
	}
	data, err := os.ReadFile(topologyPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"rooms.weights.bin"`) {
		t.Fatalf("manifest does not reference the weight file: %s", data)
	}

	loaded, err := LoadModelFiles(topologyPath, weightsPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := loaded.layers[0].kernel.At(0, 0); got != 1.5 {
		t.Fatalf("kernel = %v, want 1.5", got)
	}
	if got := loaded.layers[1].bias.AtVec(0); got != 0.125 {
		t.Fatalf("bias = %v, want 0.125", got)
	}
}

func TestLoadModelFilesMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadModelFiles(filepath.Join(dir, "nope.json"), filepath.Join(dir, "nope.weights.bin"))
	if !IsKind(err, KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestSaveModelFilesRequiresName(t *testing.T) {
	if _, _, err := SaveModelFiles(CreateModel(nil), t.TempDir(), ""); !IsKind(err, KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

package ml

import (
	"errors"
	"os"
	"path/filepath"
)

// SaveModelFiles writes <name>.json and <name>.weights.bin under dir and
// returns both paths.
func SaveModelFiles(model *Model, dir, name string) (topologyPath, weightsPath string, err error) {
	if name == "" {
		return "", "", persistenceError("persistence.save_files", errors.New("model name is required"))
	}
	weightsFile := name + ".weights.bin"
	artifact, err := encodeModel(model, weightsFile)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", persistenceError("persistence.save_files", err)
	}
	topologyPath = filepath.Join(dir, name+".json")
	weightsPath = filepath.Join(dir, weightsFile)
	if err := os.WriteFile(weightsPath, artifact.Weights, 0o600); err != nil {
		return "", "", persistenceError("persistence.save_files", err)
	}
	if err := os.WriteFile(topologyPath, artifact.Topology, 0o600); err != nil {
		return "", "", persistenceError("persistence.save_files", err)
	}
	return topologyPath, weightsPath, nil
}

// LoadModelFiles reads a topology document and its weight buffer.
func LoadModelFiles(topologyPath, weightsPath string) (*Model, error) {
	topology, err := os.ReadFile(topologyPath)
	if err != nil {
		return nil, persistenceError("persistence.load_files", err)
	}
	weights, err := os.ReadFile(weightsPath)
	if err != nil {
		return nil, persistenceError("persistence.load_files", err)
	}
	return LoadModel(Artifact{Topology: topology, Weights: weights})
}

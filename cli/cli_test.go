package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"houseprice/config"
	"houseprice/ml"
)

type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()

	var records []string
	for i := 0; i < 30; i++ {
		rooms := 4 + float64(i)*0.15
		records = append(records, fmt.Sprintf(`{"NumeroDeCuartosPromedio": %.2f, "Precio": %.2f}`, rooms, 10*rooms-30))
	}
	records = append(records, `{"NumeroDeCuartosPromedio": null, "Precio": 12.5}`)
	data := "[" + strings.Join(records, ",") + "]"
	if err := os.WriteFile(filepath.Join(dir, "datos.json"), []byte(data), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := fmt.Sprintf(`
dataset:
  source: %s
  cache_size: 0
database:
  path: %s
log:
  level: error
model:
  name: casas
  dir: %s
  seed: 11
`, filepath.Join(dir, "datos.json"), filepath.Join(dir, "runs.db"), filepath.Join(dir, "models"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return workspace{dir: dir, config: path}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTrainThenCurve(t *testing.T) {
	ws := newWorkspace(t)

	out, err := run(t, "train", "--config", ws.config, "--snapshot", "baseline")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed after 50 epochs") || !strings.Contains(out, `snapshot "baseline"`) {
		t.Fatalf("unexpected train output: %s", out)
	}
	for _, name := range []string{"casas.json", "casas.weights.bin"} {
		if _, err := os.Stat(filepath.Join(ws.dir, "models", name)); err != nil {
			t.Fatalf("expected %s to be written: %v", name, err)
		}
	}

	out, err = run(t, "curve", "--config", ws.config, "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	var points []ml.Point
	if err := json.Unmarshal([]byte(out), &points); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, out)
	}
	if len(points) != ml.CurvePoints || points[0].X != 4 || points[len(points)-1].X < 8.34 {
		t.Fatalf("unexpected curve: %d points from %v to %v", len(points), points[0], points[len(points)-1])
	}

	fromSnapshot, err := run(t, "curve", "--config", ws.config, "--format", "json", "--snapshot", "baseline")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromSnapshot != out {
		t.Fatal("snapshot curve differs from file curve")
	}

	table, err := run(t, "curve", "--config", ws.config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lines := strings.Count(table, "\n"); lines != ml.CurvePoints+1 {
		t.Fatalf("expected header plus %d rows, got %d lines", ml.CurvePoints, lines)
	}
}

func TestCurveWithoutModelFiles(t *testing.T) {
	ws := newWorkspace(t)
	if _, err := run(t, "curve", "--config", ws.config); err == nil {
		t.Fatal("expected error when no model has been saved")
	}
	if _, err := run(t, "curve", "--config", ws.config, "--format", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestTrainRejectsEmptyDataset(t *testing.T) {
	ws := newWorkspace(t)
	empty := filepath.Join(ws.dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`[]`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := run(t, "train", "--config", ws.config, "--source", empty)
	if !ml.IsKind(err, ml.KindData) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cmd := newRootCmd()
	flags := &globalFlags{
		configPath: filepath.Join(t.TempDir(), "config.yaml"),
		overrides:  config.Overrides{Source: "other.json"},
	}
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dataset.Source != "other.json" || cfg.HTTP.Port != 8080 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := run(t, "train", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for an explicit missing config")
	}
}

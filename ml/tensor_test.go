package ml

import (
	"errors"
	"sync"
	"testing"
)

func linearDataset() Dataset {
	return Dataset{
		{Feature: 1, Label: 2},
		{Feature: 2, Label: 4},
		{Feature: 3, Label: 6},
	}
}

func TestBuildNormalizesLinearDataset(t *testing.T) {
	ds := linearDataset()
	pair, err := NewTensorBuilder(7).Build(ds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.Rows() != 3 {
		t.Fatalf("expected 3 rows, got %d", pair.Rows())
	}
	if pair.Feature.Scale(1) != 0 || pair.Feature.Scale(3) != 1 {
		t.Fatalf("unexpected feature scaling: scale(1)=%v scale(3)=%v", pair.Feature.Scale(1), pair.Feature.Scale(3))
	}
	if pair.Label != (ScaleParams{Min: 2, Max: 6}) {
		t.Fatalf("unexpected label params: %+v", pair.Label)
	}

	seen := map[float64]bool{}
	for i := 0; i < 3; i++ {
		x := pair.Inputs.At(i, 0)
		y := pair.Labels.At(i, 0)
		if x < 0 || x > 1 || y < 0 || y > 1 {
			t.Fatalf("row %d not in [0,1]: x=%v y=%v", i, x, y)
		}
		// y = 2x normalizes to the same value on both columns, so a
		// shuffle that kept pairs aligned leaves x == y on every row.
		if x != y {
			t.Fatalf("row %d lost its pairing: x=%v y=%v", i, x, y)
		}
		seen[x] = true
	}
	for _, want := range []float64{0, 0.5, 1} {
		if !seen[want] {
			t.Fatalf("expected normalized value %v in inputs", want)
		}
	}

	if ds[0].Feature != 1 || ds[1].Feature != 2 || ds[2].Feature != 3 {
		t.Fatalf("Build mutated the caller's dataset: %+v", ds)
	}
}

func TestBuildEmptyDatasetIsDataError(t *testing.T) {
	_, err := NewTensorBuilder(1).Build(Dataset{})
	if err == nil {
		t.Fatal("expected error for empty dataset")
	}
	if !IsKind(err, KindData) || !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestBuildConstantColumn(t *testing.T) {
	ds := Dataset{{Feature: 5, Label: 10}, {Feature: 5, Label: 20}}
	pair, err := NewTensorBuilder(3).Build(ds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if v := pair.Inputs.At(i, 0); v != 0 {
			t.Fatalf("expected constant column to scale to 0, got %v", v)
		}
	}
}

func TestBuildConcurrentCalls(t *testing.T) {
	ds := make(Dataset, 200)
	for i := range ds {
		ds[i] = Record{Feature: float64(i), Label: float64(3 * i)}
	}
	builder := NewTensorBuilder(11)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := builder.Build(ds)
			if err != nil {
				errs <- err
				return
			}
			if pair.Feature != (ScaleParams{Min: 0, Max: 199}) {
				errs <- errors.New("unexpected feature params")
				return
			}
			for i := 0; i < pair.Rows(); i++ {
				if pair.Inputs.At(i, 0) != pair.Labels.At(i, 0) {
					errs <- errors.New("pairing lost under concurrency")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
}

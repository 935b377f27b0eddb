package ml

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// fixedModel builds the regression topology with known weights so runs are
// reproducible independently of the initializer.
func fixedModel(w1, b1, w2, b2 float64) *Model {
	m := CreateModel(rand.New(rand.NewSource(1)))
	m.layers[0].kernel.Set(0, 0, w1)
	m.layers[0].bias.SetVec(0, b1)
	m.layers[1].kernel.Set(0, 0, w2)
	m.layers[1].bias.SetVec(0, b2)
	return m
}

func buildPair(t *testing.T, ds Dataset) *TensorPair {
	t.Helper()
	pair, err := NewTensorBuilder(42).Build(ds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return pair
}

func TestTrainLinearDatasetRunsAllEpochs(t *testing.T) {
	pair := buildPair(t, linearDataset())
	session := NewSession()
	model := fixedModel(0.5, 0, 0.5, 0)

	calls := 0
	listener := EpochListenerFunc(func(epoch int, _ EpochMetrics) {
		if epoch != calls {
			t.Errorf("listener saw epoch %d, want %d", epoch, calls)
		}
		calls++
	})

	history, err := NewTrainer(WithSeed(5)).Train(context.Background(), session, model, pair.Inputs, pair.Labels, listener)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != Epochs {
		t.Fatalf("expected %d epochs, got %d", Epochs, len(history))
	}
	if calls != Epochs {
		t.Fatalf("listener called %d times, want %d", calls, Epochs)
	}
	for i, m := range history {
		if !m.Finite() {
			t.Fatalf("epoch %d has non-finite metrics: %+v", i, m)
		}
		if m.Loss != m.MSE {
			t.Fatalf("epoch %d: loss %v != mse %v", i, m.Loss, m.MSE)
		}
	}
	if history[len(history)-1].Loss >= history[0].Loss {
		t.Fatalf("loss did not decrease: first %v last %v", history[0].Loss, history[len(history)-1].Loss)
	}
	if session.State() != StateCompleted {
		t.Fatalf("expected completed state, got %v", session.State())
	}
	if got := session.History(); len(got) != Epochs {
		t.Fatalf("session history has %d entries", len(got))
	}
}

func TestTrainConvergesOnDenseLinearData(t *testing.T) {
	ds := make(Dataset, 2800)
	for i := range ds {
		x := 1 + 7*float64(i)/float64(len(ds)-1)
		ds[i] = Record{Feature: x, Label: 2 * x}
	}
	pair := buildPair(t, ds)
	model := fixedModel(0.5, 0, 0.5, 0)

	history, err := NewTrainer(WithSeed(9)).Train(context.Background(), NewSession(), model, pair.Inputs, pair.Labels, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last, ok := history.Last()
	if !ok {
		t.Fatal("expected history")
	}
	if last.MSE >= 0.01 {
		t.Fatalf("expected final mse below 0.01, got %v", last.MSE)
	}

	curve, err := PredictCurve(model, pair.Normalization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mid := curve[len(curve)/2]
	if math.Abs(mid.Y-2*mid.X) > 1.5 {
		t.Fatalf("prediction at %v is %v, want close to %v", mid.X, mid.Y, 2*mid.X)
	}
}

func TestTrainStopsAtEpochBoundary(t *testing.T) {
	pair := buildPair(t, linearDataset())

	for _, k := range []int{1, 3, 17} {
		session := NewSession()
		listener := EpochListenerFunc(func(epoch int, _ EpochMetrics) {
			if epoch == k-1 {
				session.Stop()
			}
		})
		history, err := NewTrainer(WithSeed(1)).Train(context.Background(), session, CreateModel(rand.New(rand.NewSource(2))), pair.Inputs, pair.Labels, listener)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(history) != k {
			t.Fatalf("stop during epoch %d: expected %d entries, got %d", k, k, len(history))
		}
		if session.State() != StateStoppedEarly {
			t.Fatalf("expected stopped_early, got %v", session.State())
		}
	}
}

func TestTrainStopRequestedBeforeStart(t *testing.T) {
	pair := buildPair(t, linearDataset())
	session := NewSession()
	session.Stop()

	history, err := NewTrainer().Train(context.Background(), session, CreateModel(nil), pair.Inputs, pair.Labels, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one epoch, got %d", len(history))
	}
	if session.State() != StateStoppedEarly {
		t.Fatalf("expected stopped_early, got %v", session.State())
	}

	// The signal stays set until the session is reset.
	history, err = NewTrainer().Train(context.Background(), session, CreateModel(nil), pair.Inputs, pair.Labels, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected stale stop to end the run after one epoch, got %d", len(history))
	}

	if err := session.Reset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	history, err = NewTrainer().Train(context.Background(), session, CreateModel(nil), pair.Inputs, pair.Labels, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != Epochs {
		t.Fatalf("expected a full run after reset, got %d", len(history))
	}
}

func TestTrainStopFromAnotherGoroutine(t *testing.T) {
	pair := buildPair(t, linearDataset())
	session := NewSession()

	reached := make(chan struct{})
	resume := make(chan struct{})
	listener := EpochListenerFunc(func(epoch int, _ EpochMetrics) {
		if epoch == 4 {
			close(reached)
			<-resume
		}
	})

	type result struct {
		history History
		err     error
	}
	done := make(chan result, 1)
	go func() {
		h, err := NewTrainer().Train(context.Background(), session, CreateModel(nil), pair.Inputs, pair.Labels, listener)
		done <- result{h, err}
	}()

	<-reached
	if session.State() != StateRunning {
		t.Errorf("expected running state mid-run, got %v", session.State())
	}
	session.Stop()
	close(resume)

	res := <-done
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if len(res.history) != 5 {
		t.Fatalf("expected 5 epochs, got %d", len(res.history))
	}
}

func TestTrainRejectsConcurrentRun(t *testing.T) {
	pair := buildPair(t, linearDataset())
	session := NewSession()
	trainer := NewTrainer()

	var nestedErr error
	listener := EpochListenerFunc(func(epoch int, _ EpochMetrics) {
		if epoch == 0 {
			_, nestedErr = trainer.Train(context.Background(), session, CreateModel(nil), pair.Inputs, pair.Labels, nil)
			if err := session.Reset(); err == nil {
				t.Errorf("expected reset to fail while running")
			}
			session.Stop()
		}
	})
	if _, err := trainer.Train(context.Background(), session, CreateModel(nil), pair.Inputs, pair.Labels, listener); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(nestedErr, ErrTrainingInProgress) || !IsKind(nestedErr, KindState) {
		t.Fatalf("expected training-in-progress error, got %v", nestedErr)
	}
}

func TestTrainEmptyInputsIsDataError(t *testing.T) {
	session := NewSession()
	_, err := NewTrainer().Train(context.Background(), session, CreateModel(nil), &mat.Dense{}, &mat.Dense{}, nil)
	if !IsKind(err, KindData) {
		t.Fatalf("expected data error, got %v", err)
	}
	if session.State() != StateIdle {
		t.Fatalf("rejected run changed state to %v", session.State())
	}
}

func TestTrainShapeMismatch(t *testing.T) {
	inputs := mat.NewDense(3, 1, []float64{0, 0.5, 1})
	labels := mat.NewDense(2, 1, []float64{0, 1})
	_, err := NewTrainer().Train(context.Background(), NewSession(), CreateModel(nil), inputs, labels, nil)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestTrainNilModel(t *testing.T) {
	pair := buildPair(t, linearDataset())
	_, err := NewTrainer().Train(context.Background(), NewSession(), nil, pair.Inputs, pair.Labels, nil)
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected no-model error, got %v", err)
	}
}

func TestTrainDivergenceFailsRun(t *testing.T) {
	inputs := mat.NewDense(3, 1, []float64{0, math.NaN(), 1})
	labels := mat.NewDense(3, 1, []float64{0, 0.5, 1})
	session := NewSession()

	history, err := NewTrainer().Train(context.Background(), session, CreateModel(nil), inputs, labels, nil)
	if err == nil {
		t.Fatal("expected divergence error")
	}
	if !IsKind(err, KindDivergence) || !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("expected divergence error, got %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one recorded epoch, got %d", len(history))
	}
	if session.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", session.State())
	}
}

func TestTrainCancelledContext(t *testing.T) {
	pair := buildPair(t, linearDataset())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := NewSession()

	history, err := NewTrainer().Train(ctx, session, CreateModel(nil), pair.Inputs, pair.Labels, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(history) != 1 || session.State() != StateStoppedEarly {
		t.Fatalf("expected one epoch and stopped_early, got %d / %v", len(history), session.State())
	}
}

func TestEpochMetricsJSONNonFinite(t *testing.T) {
	data, err := EpochMetrics{Loss: math.NaN(), MSE: math.Inf(1)}.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"loss":null,"mse":null}` {
		t.Fatalf("unexpected json: %s", data)
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, state := range []State{StateIdle, StateRunning, StateCompleted, StateStoppedEarly, StateFailed} {
		data, err := json.Marshal(map[string]State{"state": state})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var decoded map[string]State
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if decoded["state"] != state {
			t.Fatalf("round trip of %v gave %v", state, decoded["state"])
		}
	}

	var s State
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestTrainNilSession(t *testing.T) {
	pair := buildPair(t, linearDataset())
	_, err := NewTrainer().Train(context.Background(), nil, CreateModel(nil), pair.Inputs, pair.Labels, nil)
	if !IsKind(err, KindState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestRecognizedOptions(t *testing.T) {
	opts := RecognizedOptions()
	if opts.BatchSize != 28 || opts.Epochs != 50 || !opts.Shuffle || opts.Loss != "mse" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

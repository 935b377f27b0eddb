package ml

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Fixed training configuration.
const (
	BatchSize = 28
	Epochs    = 50
)

// TrainingOptions documents the configuration a training run uses.
type TrainingOptions struct {
	Optimizer string   `json:"optimizer"`
	Loss      string   `json:"loss"`
	Metrics   []string `json:"metrics"`
	BatchSize int      `json:"batchSize"`
	Epochs    int      `json:"epochs"`
	Shuffle   bool     `json:"shuffle"`
}

// RecognizedOptions returns the fixed options. They are not configurable;
// the value exists so callers can report what a run was compiled with.
func RecognizedOptions() TrainingOptions {
	return TrainingOptions{
		Optimizer: "adam-default",
		Loss:      "mse",
		Metrics:   []string{"mse"},
		BatchSize: BatchSize,
		Epochs:    Epochs,
		Shuffle:   true,
	}
}

// Trainer fits a model epoch by epoch.
type Trainer struct {
	seed   int64
	calls  atomic.Int64
	logger *zap.Logger
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithSeed fixes the shuffle seed.
func WithSeed(seed int64) TrainerOption {
	return func(t *Trainer) { t.seed = seed }
}

// WithLogger sets the logger used for per-epoch lines.
func WithLogger(logger *zap.Logger) TrainerOption {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTrainer returns a trainer with a clock seed and a no-op logger by default.
func NewTrainer(opts ...TrainerOption) *Trainer {
	t := &Trainer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	if t.seed == 0 {
		t.seed = time.Now().UnixNano()
	}
	return t
}

// Train compiles model with Adam/MSE and fits it on inputs and labels for
// Epochs epochs. At every epoch boundary the metrics are appended to the
// session history, listener is called, and then divergence, the stop signal
// and ctx are checked, in that order. Train blocks until the run ends.
func (t *Trainer) Train(ctx context.Context, session *Session, model *Model, inputs, labels *mat.Dense, listener EpochListener) (History, error) {
	const op = "trainer.train"
	if session == nil {
		return nil, stateError(op, ErrNoSession)
	}
	if model == nil {
		return nil, stateError(op, ErrNoModel)
	}
	if inputs == nil || labels == nil || inputs.IsEmpty() || labels.IsEmpty() {
		return nil, dataError(op, ErrEmptyDataset)
	}
	rows, cols := inputs.Dims()
	labelRows, labelCols := labels.Dims()
	if rows != labelRows || cols != model.InputDim() || labelCols != model.OutputDim() {
		return nil, dataError(op, fmt.Errorf("%w: inputs [%d,%d] labels [%d,%d]", ErrShapeMismatch, rows, cols, labelRows, labelCols))
	}
	if err := session.begin(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(t.seed + t.calls.Add(1)))
	optimizer := newAdam()
	params := model.parameters()

	var scratch arena
	defer scratch.release()
	batchX := scratch.alloc(BatchSize * cols)
	batchY := scratch.alloc(BatchSize * labelCols)

	t.logger.Info("training started", zap.Int("samples", rows), zap.Int("epochs", Epochs), zap.Int("batch_size", BatchSize))

	for epoch := 0; epoch < Epochs; epoch++ {
		metrics := t.runEpoch(session, model, optimizer, params, inputs, labels, rng, batchX, batchY)

		session.record(metrics)
		if listener != nil {
			listener.OnEpoch(epoch, metrics)
		}
		t.logger.Debug("epoch end", zap.Int("epoch", epoch), zap.Float64("loss", metrics.Loss), zap.Float64("mse", metrics.MSE))

		if !metrics.Finite() {
			session.finish(StateFailed)
			t.logger.Warn("training diverged", zap.Int("epoch", epoch))
			return session.History(), &OpError{Op: op, Kind: KindDivergence, Err: fmt.Errorf("epoch %d: %w", epoch, ErrNonFiniteLoss)}
		}
		if session.StopRequested() {
			session.finish(StateStoppedEarly)
			t.logger.Info("training stopped early", zap.Int("epochs_run", epoch+1))
			return session.History(), nil
		}
		if err := ctx.Err(); err != nil {
			session.finish(StateStoppedEarly)
			return session.History(), err
		}
	}

	session.finish(StateCompleted)
	history := session.History()
	if last, ok := history.Last(); ok {
		t.logger.Info("training completed", zap.Float64("loss", last.Loss), zap.Float64("mse", last.MSE))
	}
	return history, nil
}

// runEpoch shuffles the sample order, applies one optimizer step per batch
// and returns the sample-weighted mean loss of the epoch.
func (t *Trainer) runEpoch(session *Session, model *Model, optimizer *adam, params []parameter, inputs, labels *mat.Dense, rng *rand.Rand, batchX, batchY []float64) EpochMetrics {
	session.weights.Lock()
	defer session.weights.Unlock()

	rows, cols := inputs.Dims()
	_, labelCols := labels.Dims()
	order := rng.Perm(rows)

	total := 0.0
	for start := 0; start < rows; start += BatchSize {
		end := min(start+BatchSize, rows)
		size := end - start

		x := mat.NewDense(size, cols, batchX[:size*cols])
		y := mat.NewDense(size, labelCols, batchY[:size*labelCols])
		for i, idx := range order[start:end] {
			x.SetRow(i, inputs.RawRowView(idx))
			y.SetRow(i, labels.RawRowView(idx))
		}

		pred, layerInputs := model.forwardTrain(x)
		loss, grad := meanSquaredError(pred, y)
		model.backward(grad, layerInputs)
		optimizer.apply(params)

		total += loss * float64(size)
	}

	mse := total / float64(rows)
	return EpochMetrics{Loss: mse, MSE: mse}
}

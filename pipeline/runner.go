package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"houseprice/dataset"
	"houseprice/ml"
)

// RunInfo 训练任务信息
type RunInfo struct {
	ID        string             `json:"id"`
	ModelName string             `json:"model_name"`
	Source    string             `json:"source"`
	Samples   int                `json:"samples"`
	Options   ml.TrainingOptions `json:"options"`
	StartedAt time.Time          `json:"started_at"`
}

// RunResult 训练结果
type RunResult struct {
	Run        RunInfo    `json:"run"`
	State      ml.State   `json:"state"`
	History    ml.History `json:"history"`
	Err        error      `json:"-"`
	FinishedAt time.Time  `json:"finished_at"`
}

// RunHook 训练生命周期回调。OnEpoch 在训练协程中同步调用。
type RunHook interface {
	OnRunStart(run RunInfo)
	OnEpoch(run RunInfo, epoch int, metrics ml.EpochMetrics)
	OnRunEnd(result RunResult)
}

// Status 当前训练状态快照
type Status struct {
	State    ml.State           `json:"state"`
	Run      *RunInfo           `json:"run,omitempty"`
	History  ml.History         `json:"history"`
	Options  ml.TrainingOptions `json:"options"`
	Samples  int                `json:"samples"`
	HasModel bool               `json:"has_model"`
	Error    string             `json:"error,omitempty"`
}

// Runner 串联数据加载、清洗、张量构建、训练和推理
type Runner struct {
	source    dataset.Source
	cleaner   *DataCleaner
	builder   *ml.TensorBuilder
	trainer   *ml.Trainer
	session   *ml.Session
	logger    *zap.Logger
	hooks     []RunHook
	seed      int64
	modelName string
	runSeq    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	data    ml.Dataset
	model   *ml.Model
	norm    ml.Normalization
	hasNorm bool
	running bool
	current *RunInfo
	last    *RunResult
	done    chan struct{}
}

// RunnerOption 配置 Runner
type RunnerOption func(*Runner)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHooks 注册训练回调
func WithHooks(hooks ...RunHook) RunnerOption {
	return func(r *Runner) {
		for _, h := range hooks {
			if h != nil {
				r.hooks = append(r.hooks, h)
			}
		}
	}
}

// WithSeed 固定随机种子（打乱顺序和权重初始化）
func WithSeed(seed int64) RunnerOption {
	return func(r *Runner) { r.seed = seed }
}

// WithModelName 设置模型名称
func WithModelName(name string) RunnerOption {
	return func(r *Runner) {
		if name != "" {
			r.modelName = name
		}
	}
}

// NewRunner 创建训练流水线
func NewRunner(source dataset.Source, cleaner *DataCleaner, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:    source,
		cleaner:   cleaner,
		session:   ml.NewSession(),
		logger:    zap.NewNop(),
		modelName: "houseprice",
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.seed == 0 {
		r.seed = time.Now().UnixNano()
	}
	r.builder = ml.NewTensorBuilder(r.seed)
	r.trainer = ml.NewTrainer(ml.WithSeed(r.seed), ml.WithLogger(r.logger))
	r.ctx, r.cancel = context.WithCancel(context.Background())

	closed := make(chan struct{})
	close(closed)
	r.done = closed
	return r
}

// Session 训练会话
func (r *Runner) Session() *ml.Session {
	return r.session
}

// ModelName 模型名称
func (r *Runner) ModelName() string {
	return r.modelName
}

// LoadDataset 通过数据源读取并清洗数据集。数据源可以是 dataset.Cache 包装后的源，
// 文件变化后缓存失效，下一次调用重新读取。
func (r *Runner) LoadDataset(ctx context.Context) (ml.Dataset, []QualityIssue, error) {
	if r.source == nil {
		return nil, nil, &ml.OpError{Op: "runner.load_dataset", Kind: ml.KindData, Err: fmt.Errorf("no dataset source configured")}
	}
	raw, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load dataset from %s: %w", r.source.Location(), err)
	}
	ds, issues := r.cleaner.Clean(raw)

	r.mu.Lock()
	previous := len(r.data)
	r.data = ds
	r.mu.Unlock()

	level := zap.DebugLevel
	if previous != len(ds) {
		level = zap.InfoLevel
	}
	r.logger.Log(level, "dataset loaded",
		zap.String("source", r.source.Location()),
		zap.Int("raw", len(raw)),
		zap.Int("records", len(ds)))
	return ds, issues, nil
}

// Dataset 返回最新的已清洗数据集，每次调用都经过数据源
func (r *Runner) Dataset(ctx context.Context) (ml.Dataset, error) {
	ds, _, err := r.LoadDataset(ctx)
	return ds, err
}

// StartTraining 异步启动训练。数据错误同步返回，训练本身在后台协程运行，
// 可随时调用 Stop。
func (r *Runner) StartTraining(ctx context.Context) (RunInfo, error) {
	const op = "runner.start_training"

	ds, err := r.Dataset(ctx)
	if err != nil {
		return RunInfo{}, err
	}

	pair, err := r.builder.Build(ds)
	if err != nil {
		return RunInfo{}, err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return RunInfo{}, &ml.OpError{Op: op, Kind: ml.KindState, Err: ml.ErrTrainingInProgress}
	}
	if pair.Feature.Degenerate() || pair.Label.Degenerate() {
		r.logger.Warn("degenerate column range, values scale to 0",
			zap.String("kind", string(ml.KindNormalization)),
			zap.Bool("feature", pair.Feature.Degenerate()),
			zap.Bool("label", pair.Label.Degenerate()))
	}
	if err := r.session.Reset(); err != nil {
		r.mu.Unlock()
		return RunInfo{}, err
	}

	seq := r.runSeq.Add(1)
	model := ml.CreateModel(rand.New(rand.NewSource(r.seed + seq)))
	info := RunInfo{
		ID:        fmt.Sprintf("%s-%d", time.Now().Format("20060102-150405"), seq),
		ModelName: r.modelName,
		Samples:   pair.Rows(),
		Options:   ml.RecognizedOptions(),
		StartedAt: time.Now(),
	}
	if r.source != nil {
		info.Source = r.source.Location()
	}

	r.model = model
	r.norm = pair.Normalization
	r.hasNorm = true
	r.running = true
	r.current = &info
	done := make(chan struct{})
	r.done = done
	r.wg.Add(1)
	r.mu.Unlock()

	for _, h := range r.hooks {
		h.OnRunStart(info)
	}
	go r.run(info, model, pair, done)

	r.logger.Info("training run started", zap.String("run", info.ID), zap.Int("samples", info.Samples))
	return info, nil
}

func (r *Runner) run(info RunInfo, model *ml.Model, pair *ml.TensorPair, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)

	listener := ml.EpochListenerFunc(func(epoch int, metrics ml.EpochMetrics) {
		for _, h := range r.hooks {
			h.OnEpoch(info, epoch, metrics)
		}
	})
	history, err := r.trainer.Train(r.ctx, r.session, model, pair.Inputs, pair.Labels, listener)

	result := RunResult{
		Run:        info,
		State:      r.session.State(),
		History:    history,
		Err:        err,
		FinishedAt: time.Now(),
	}
	if err != nil {
		r.logger.Warn("training run ended with error", zap.String("run", info.ID), zap.Error(err))
	} else {
		r.logger.Info("training run finished", zap.String("run", info.ID), zap.Stringer("state", result.State), zap.Int("epochs", len(history)))
	}

	r.mu.Lock()
	r.running = false
	r.last = &result
	r.mu.Unlock()

	for _, h := range r.hooks {
		h.OnRunEnd(result)
	}
}

// Train 同步训练，阻塞到训练结束
func (r *Runner) Train(ctx context.Context) (RunResult, error) {
	if _, err := r.StartTraining(ctx); err != nil {
		return RunResult{}, err
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		r.Stop()
		<-r.Done()
		result, _ := r.LastResult()
		return result, ctx.Err()
	}
	result, _ := r.LastResult()
	return result, result.Err
}

// Stop 请求在下一个 epoch 边界停止训练。没有训练在运行时返回 false。
func (r *Runner) Stop() bool {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return false
	}
	r.session.Stop()
	r.logger.Info("training stop requested")
	return true
}

// Done 当前训练结束时关闭
func (r *Runner) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Wait 等待当前训练结束并返回结果
func (r *Runner) Wait() (RunResult, bool) {
	<-r.Done()
	return r.LastResult()
}

// LastResult 最近一次训练结果
func (r *Runner) LastResult() (RunResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return RunResult{}, false
	}
	return *r.last, true
}

// Status 当前状态
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		State:    r.session.State(),
		History:  r.session.History(),
		Options:  ml.RecognizedOptions(),
		Samples:  len(r.data),
		HasModel: r.model != nil,
	}
	if r.current != nil {
		run := *r.current
		status.Run = &run
	}
	if r.last != nil && r.last.Err != nil {
		status.Error = r.last.Err.Error()
	}
	return status
}

// Curve 当前模型的 100 点预测曲线。加载的模型不带归一化参数，
// 此时用当前数据集重新计算。
func (r *Runner) Curve(ctx context.Context) ([]ml.Point, error) {
	r.mu.RLock()
	model, norm, hasNorm := r.model, r.norm, r.hasNorm
	r.mu.RUnlock()
	if model == nil {
		return nil, &ml.OpError{Op: "runner.curve", Kind: ml.KindState, Err: ml.ErrNoModel}
	}

	if !hasNorm {
		ds, err := r.Dataset(ctx)
		if err != nil {
			return nil, err
		}
		if len(ds) == 0 {
			return nil, &ml.OpError{Op: "runner.curve", Kind: ml.KindData, Err: ml.ErrEmptyDataset}
		}
		norm = ml.FitNormalization(ds)
		r.mu.Lock()
		if r.model == model {
			r.norm = norm
			r.hasNorm = true
		}
		r.mu.Unlock()
	}

	var points []ml.Point
	err := r.session.Exclusive(func() error {
		var err error
		points, err = ml.PredictCurve(model, norm)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
			return nil, &ml.OpError{Op: "runner.curve", Kind: ml.KindDivergence, Err: ml.ErrNonFiniteLoss}
		}
	}
	return points, nil
}

// DataPlot 数据散点图
func (r *Runner) DataPlot(ctx context.Context) (ScatterPlot, error) {
	ds, err := r.Dataset(ctx)
	if err != nil {
		return ScatterPlot{}, err
	}
	return DataPlot(ds), nil
}

// CurvePlot 原始数据与预测曲线叠加图
func (r *Runner) CurvePlot(ctx context.Context) (ScatterPlot, error) {
	curve, err := r.Curve(ctx)
	if err != nil {
		return ScatterPlot{}, err
	}
	ds, err := r.Dataset(ctx)
	if err != nil {
		return ScatterPlot{}, err
	}
	return CurvePlot(ds, curve), nil
}

// SaveModel 序列化当前模型，训练中也只在 epoch 边界读取权重
func (r *Runner) SaveModel() (ml.Artifact, error) {
	r.mu.RLock()
	model := r.model
	r.mu.RUnlock()
	if model == nil {
		return ml.Artifact{}, &ml.OpError{Op: "runner.save_model", Kind: ml.KindState, Err: ml.ErrNoModel}
	}
	var artifact ml.Artifact
	err := r.session.Exclusive(func() error {
		var err error
		artifact, err = ml.SaveModel(model)
		return err
	})
	return artifact, err
}

// SaveModelFiles 保存模型文件到目录
func (r *Runner) SaveModelFiles(dir string) (string, string, error) {
	r.mu.RLock()
	model := r.model
	r.mu.RUnlock()
	if model == nil {
		return "", "", &ml.OpError{Op: "runner.save_files", Kind: ml.KindState, Err: ml.ErrNoModel}
	}
	var topologyPath, weightsPath string
	err := r.session.Exclusive(func() error {
		var err error
		topologyPath, weightsPath, err = ml.SaveModelFiles(model, dir, r.modelName)
		return err
	})
	return topologyPath, weightsPath, err
}

// LoadModel 加载模型。失败时当前模型保持不变；训练中拒绝加载。
func (r *Runner) LoadModel(artifact ml.Artifact) error {
	model, err := ml.LoadModel(artifact)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return &ml.OpError{Op: "runner.load_model", Kind: ml.KindState, Err: ml.ErrTrainingInProgress}
	}
	r.model = model
	r.hasNorm = false
	r.logger.Info("model loaded", zap.String("name", model.Name()))
	return nil
}

// Close 取消正在进行的训练并等待协程退出
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
